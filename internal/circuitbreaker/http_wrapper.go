package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an HTTP client with circuit breaker protection. Used by
// the generation and structuring adapter clients.
type HTTPWrapper struct {
	client  *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPWrapper creates a breaker-guarded HTTP client named after the
// collaborator service it fronts.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	cfg := DefaultConfig()
	cfg.Timeout = 15 * time.Second
	return &HTTPWrapper{
		client:  client,
		breaker: New(name, cfg, logger),
		logger:  logger,
	}
}

// Do executes the request. 5xx responses count as breaker failures; 4xx do
// not, since they indicate a caller problem rather than a down dependency.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.breaker.Execute(req.Context(), func() error {
		var derr error
		resp, derr = hw.client.Do(req)
		if derr != nil {
			return derr
		}
		if resp.StatusCode >= 500 {
			return &serverStatusError{code: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*serverStatusError); ok {
			// Surface the response; the caller decides how to classify it.
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.breaker.State() == StateOpen
}

type serverStatusError struct {
	code int
}

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("server error: %s", http.StatusText(e.code))
}
