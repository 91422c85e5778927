// Package fetch performs origin requests for the runner: bounded attempts
// with per-attempt timeouts, jittered backoff on 429/5xx and transport
// errors, and classification of successful bodies.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/upstreamcache/upstream-cache/config"
)

type Fetcher struct {
	client *retryablehttp.Client
}

func New(cfg config.FetchCfg, logger *slog.Logger) *Fetcher {
	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Timeout: cfg.AttemptTimeout}
	c.RetryMax = cfg.Attempts - 1
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Backoff = retryablehttp.LinearJitterBackoff
	c.CheckRetry = checkRetry
	c.Logger = &leveledLogger{logger: logger}
	return &Fetcher{client: c}
}

// checkRetry retries transport errors, 429 and any 5xx; every other
// response, 4xx included, is returned immediately.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// Request describes one origin fetch.
type Request struct {
	URL     string
	Headers map[string]string
	Query   map[string]string

	// Conditional headers supplied from a prior entry, if any.
	ETag         string
	LastModified string
}

// Result is the terminal response of a fetch call. When every attempt fails
// at the transport level, Fetch returns the last error instead.
type Result struct {
	Status       int
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
}

func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, err
	}

	r, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request %s: %w", target, err)
	}
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}
	if req.ETag != "" {
		r.Header.Set("If-None-Match", req.ETag)
	} else if req.LastModified != "" {
		r.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := f.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("origin fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin body %s: %w", target, err)
	}

	return &Result{
		Status:       resp.StatusCode,
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func buildURL(raw string, query map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse origin url %s: %w", raw, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			if !q.Has(k) {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// leveledLogger adapts slog to retryablehttp's logging interface.
type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, kv...) }
func (l *leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, kv...) }
func (l *leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug(msg, kv...) }
func (l *leveledLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Debug(strings.TrimSpace(msg), kv...)
}
