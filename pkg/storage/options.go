package storage

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds each storage HTTP request.
const DefaultTimeout = 30 * time.Second

// Option customizes NewClient.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

func defaultOptions() options {
	return options{httpClient: &http.Client{Timeout: DefaultTimeout}}
}

// WithHTTPClient replaces the HTTP client used by both backends.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpClient = &http.Client{Timeout: d}
		}
	}
}
