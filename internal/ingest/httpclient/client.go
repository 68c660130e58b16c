// Package httpclient wraps net/http with the connect/read/write/pool
// timeouts the pipeline is configured with, and funnels every round trip
// through the retry engine.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/ingest/retry"
)

// TimeoutConfig mirrors the pipeline's HTTP_TIMEOUT_* settings.
type TimeoutConfig struct {
	Connect  time.Duration
	Read     time.Duration
	Write    time.Duration
	PoolIdle time.Duration
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connect:  10 * time.Second,
		Read:     300 * time.Second,
		Write:    300 * time.Second,
		PoolIdle: 60 * time.Second,
	}
}

// Client is a thin wrapper around *http.Client that retries transient
// failures and logs every attempt.
type Client struct {
	HTTP   *http.Client
	Retry  retry.Config
	Log    zerolog.Logger
}

func New(timeouts TimeoutConfig, retryCfg retry.Config, log zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeouts.Connect,
		}).DialContext,
		ResponseHeaderTimeout: timeouts.Read,
		IdleConnTimeout:       timeouts.PoolIdle,
	}
	return &Client{
		HTTP: &http.Client{
			Transport: transport,
			Timeout:   timeouts.Read + timeouts.Write,
		},
		Retry: retryCfg,
		Log:   log,
	}
}

// Do issues method/url with the given headers and body, retrying transient
// failures per c.Retry. body is read fully upfront so it can be replayed on
// retry attempts.
func (c *Client) Do(ctx context.Context, method, url string, headers http.Header, body []byte, label string) (*http.Response, error) {
	resp, err := retry.Do(ctx, c.Log, c.Retry, label, nil, func(ctx context.Context, attempt int) (*http.Response, int, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, 0, err
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, 0, err
		}
		return resp, resp.StatusCode, nil
	})
	return resp, err
}
