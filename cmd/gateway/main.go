package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/benjaminjkraft/apollo-server/core"
	"github.com/benjaminjkraft/apollo-server/internal/composition"
	"github.com/benjaminjkraft/apollo-server/internal/httpclient"
	"github.com/benjaminjkraft/apollo-server/pkg/config"
	"github.com/benjaminjkraft/apollo-server/pkg/logging"
)

var (
	configPath  = flag.String("config", "", "path to the gateway config file")
	overrideEnv = flag.String("override-env", "", "env file name to override env variables")
)

func main() {
	flag.Parse()

	result, err := config.LoadConfig(*configPath, *overrideEnv)
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}
	cfg := result.Config

	logLevel, err := logging.ZapLogLevelFromString(cfg.LogLevel)
	if err != nil {
		log.Fatalf("could not parse log level: %v", err)
	}
	logger := logging.New(!cfg.JSONLog, cfg.DevelopmentMode, logLevel).
		With(zap.String("component", "gateway"))
	defer logger.Sync()

	if result.DefaultLoaded {
		logger.Info("config file not found, using defaults and environment",
			zap.String("path", config.DefaultConfigPath))
	}
	if len(cfg.Services) == 0 {
		logger.Fatal("no services configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway terminated", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	httpClient := httpclient.NewRetryableHTTPClient(logger, httpclient.RetryOptions{
		MaxRetries:   cfg.Traffic.MaxRetries,
		RetryWaitMin: httpclient.DefaultRetryOptions().RetryWaitMin,
		RetryWaitMax: httpclient.DefaultRetryOptions().RetryWaitMax,
	})
	httpClient.Timeout = cfg.Traffic.RequestTimeout

	defs, serviceHeaders, err := loadServiceDefinitions(ctx, cfg, httpClient, logger)
	if err != nil {
		return err
	}

	gateway := core.NewGateway(core.GatewayOptions{
		Logger:                     logger,
		PlanCacheSize:              int64(cfg.PlanCacheSize.Uint64()),
		HTTPClient:                 httpClient,
		ServiceHeaders:             serviceHeaders,
		PersistedQueries:           cfg.AutomaticPersistedQueries.Enabled,
		PersistedQueryRegistrySize: cfg.AutomaticPersistedQueries.RegistrySize,
	})
	defer gateway.Close()

	if err := gateway.UpdateServiceDefinitions(defs); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           core.NewRouter(gateway, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadServiceDefinitions reads each service's schema from its configured
// file, or fetches it over the wire with the introspection headers set.
func loadServiceDefinitions(ctx context.Context, cfg config.Config, client *http.Client, logger *zap.Logger) ([]composition.ServiceDefinition, map[string]http.Header, error) {
	introspectionHeader := make(http.Header, len(cfg.IntrospectionHeaders))
	for key, value := range cfg.IntrospectionHeaders {
		introspectionHeader.Set(key, value)
	}

	defs := make([]composition.ServiceDefinition, 0, len(cfg.Services))
	serviceHeaders := make(map[string]http.Header, len(cfg.Services))
	for _, svc := range cfg.Services {
		var sdl string
		if svc.SchemaFile != "" {
			raw, err := os.ReadFile(svc.SchemaFile)
			if err != nil {
				return nil, nil, err
			}
			sdl = string(raw)
		} else {
			fetched, err := core.FetchServiceSDL(ctx, client, svc.URL, introspectionHeader)
			if err != nil {
				return nil, nil, err
			}
			sdl = fetched
		}
		logger.Debug("loaded service schema",
			zap.String("subgraph", svc.Name), zap.Int("sdlBytes", len(sdl)))

		defs = append(defs, composition.ServiceDefinition{
			Name:      svc.Name,
			URL:       svc.URL,
			SchemaSDL: sdl,
		})
		if len(svc.Headers) > 0 {
			header := make(http.Header, len(svc.Headers))
			for key, value := range svc.Headers {
				header.Set(key, value)
			}
			serviceHeaders[svc.Name] = header
		}
	}
	return defs, serviceHeaders, nil
}
