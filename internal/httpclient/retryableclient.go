// Package httpclient builds the HTTP clients the gateway uses to talk to
// implementing services.
package httpclient

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type RetryOptions struct {
	// MaxRetries of 0 disables retries entirely.
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// NewRetryableHTTPClient returns a client retrying transient transport
// failures against a single service. GraphQL-level errors ride on 200
// responses and are never retried here.
func NewRetryableHTTPClient(logger *zap.Logger, opts RetryOptions) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.MaxRetries
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Backoff = retryablehttp.DefaultBackoff
	retryClient.Logger = nil
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, retry int) {
		if retry > 0 {
			logger.Debug("retrying subgraph request", zap.Int("retry", retry))
		}
	}

	return retryClient.StandardClient()
}
