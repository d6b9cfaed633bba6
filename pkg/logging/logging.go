// Package logging constructs the gateway's zap loggers.
package logging

import (
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDField = "request_id"

// New returns the process logger. Pretty selects the console encoder for
// local development; otherwise JSON with millisecond timestamps.
func New(pretty bool, development bool, level zapcore.LevelEnabler) *zap.Logger {
	return NewZapLogger(zapcore.AddSync(os.Stdout), pretty, development, level)
}

func NewZapLogger(syncer zapcore.WriteSyncer, pretty, development bool, level zapcore.LevelEnabler) *zap.Logger {
	var encoder zapcore.Encoder
	if pretty {
		encoder = zapConsoleEncoder()
	} else {
		encoder = zapJSONEncoder()
	}

	core := zapcore.NewCore(encoder, syncer, level)
	logger := zap.New(core, defaultZapCoreOptions(development)...)
	return attachBaseFields(logger)
}

// ZapLogLevelFromString parses the configured log level.
func ZapLogLevelFromString(level string) (zapcore.Level, error) {
	return zapcore.ParseLevel(level)
}

// WithRequestID annotates per-request loggers.
func WithRequestID(requestID string) zap.Field {
	return zap.String(requestIDField, requestID)
}

func zapBaseEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeDuration = zapcore.SecondsDurationEncoder
	ec.TimeKey = "time"
	return ec
}

func zapJSONEncoder() zapcore.Encoder {
	ec := zapBaseEncoderConfig()
	ec.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		nanos := t.UnixNano()
		millis := int64(math.Trunc(float64(nanos) / float64(time.Millisecond)))
		enc.AppendInt64(millis)
	}
	return zapcore.NewJSONEncoder(ec)
}

func zapConsoleEncoder() zapcore.Encoder {
	ec := zapBaseEncoderConfig()
	ec.ConsoleSeparator = " "
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05 PM")
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func attachBaseFields(logger *zap.Logger) *zap.Logger {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return logger.With(
		zap.String("hostname", host),
		zap.Int("pid", os.Getpid()),
	)
}

func defaultZapCoreOptions(development bool) []zap.Option {
	var zapOpts []zap.Option
	if development {
		zapOpts = append(zapOpts, zap.AddCaller(), zap.Development())
	}
	// Stacktrace is included on logs of ErrorLevel and above.
	zapOpts = append(zapOpts, zap.AddStacktrace(zap.ErrorLevel))
	return zapOpts
}
