package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/ratelimit"

	"github.com/tonywagner/milbserver/work/config"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/metrics"
	"github.com/tonywagner/milbserver/work/utils"
)

// ErrFetchFailed is returned once every attempt of an outbound request has failed.
// Callers must not retry on top of it.
var ErrFetchFailed = errors.New("fetch failed")

// Response is a fully read upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options tunes a Fetcher; zero values fall back to the config defaults.
type Options struct {
	UserAgent  string
	Origin     string
	Referer    string
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
	RateLimit  int
	Obfuscate  bool
}

// OptionsFromConfig maps the application config onto fetcher options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		UserAgent:  cfg.UserAgent,
		Origin:     cfg.ReqOrigin,
		Referer:    cfg.ReqReferrer,
		Attempts:   cfg.FetchRetries,
		RetryDelay: cfg.FetchRetryDelay,
		Timeout:    cfg.RequestTimeout,
		RateLimit:  cfg.RateLimit,
		Obfuscate:  cfg.ObfuscateUrls,
	}
}

// Fetcher wraps http.Client to set the origin headers on every request and to
// retry failed requests a bounded number of times with a fixed delay.
type Fetcher struct {
	Client  *http.Client
	opts    Options
	limiter ratelimit.Limiter
}

// NewFetcher builds a Fetcher with a pooled transport
func NewFetcher(opts Options) *Fetcher {
	if opts.Attempts <= 0 {
		opts.Attempts = 2
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}

	limiter := ratelimit.NewUnlimited()
	if opts.RateLimit > 0 {
		limiter = ratelimit.New(opts.RateLimit)
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &Fetcher{
		Client:  client,
		opts:    opts,
		limiter: limiter,
	}
}

// Fetch performs a GET with the default origin headers, overridden by headers.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) (*Response, error) {
	return f.do(ctx, http.MethodGet, rawURL, headers, nil)
}

// Post performs a POST with the same retry policy as Fetch.
func (f *Fetcher) Post(ctx context.Context, rawURL string, headers http.Header, body []byte) (*Response, error) {
	return f.do(ctx, http.MethodPost, rawURL, headers, body)
}

// do runs the attempt loop. Every retry is logged with its ordinal.
func (f *Fetcher) do(ctx context.Context, method, rawURL string, headers http.Header, body []byte) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		if attempt > 1 {
			logger.Warn("{client/client - do} retry %d of %d for %s: %v",
				attempt-1, f.opts.Attempts-1, utils.LogURL(f.opts.Obfuscate, rawURL), lastErr)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, utils.LogURL(f.opts.Obfuscate, rawURL), ctx.Err())
			case <-time.After(f.opts.RetryDelay):
			}
		}

		resp, err := f.attempt(ctx, method, rawURL, headers, body)
		if err == nil {
			metrics.FetchAttempts.WithLabelValues("ok").Inc()
			return resp, nil
		}
		lastErr = err

		// a cancelled request never gets better by waiting
		if ctx.Err() != nil {
			break
		}
	}

	metrics.FetchFailures.Inc()
	logger.Error("{client/client - do} giving up on %s after %d attempts: %v",
		utils.LogURL(f.opts.Obfuscate, rawURL), f.opts.Attempts, lastErr)

	return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, utils.LogURL(f.opts.Obfuscate, rawURL), lastErr)
}

// attempt issues one request and reads the complete body
func (f *Fetcher) attempt(ctx context.Context, method, rawURL string, headers http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		metrics.FetchAttempts.WithLabelValues("error").Inc()
		return nil, err
	}
	f.setHeaders(req, headers)

	// Take cannot be interrupted, so the request context is checked on both sides
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.limiter.Take()
	if err := ctx.Err(); err != nil {
		metrics.FetchAttempts.WithLabelValues("error").Inc()
		return nil, err
	}

	logger.Debug("{client/client - attempt} %s %s", method, utils.LogURL(f.opts.Obfuscate, rawURL))

	resp, err := f.Client.Do(req)
	if err != nil {
		metrics.FetchAttempts.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.FetchAttempts.WithLabelValues("status").Inc()
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := readBody(resp)
	if err != nil {
		metrics.FetchAttempts.WithLabelValues("error").Inc()
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// readBody reads the response, inflating it when the origin replied with gzip.
// Accept-Encoding is set explicitly, so the transport leaves decoding to us.
func readBody(resp *http.Response) ([]byte, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return io.ReadAll(resp.Body)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	return data, nil
}

// setHeaders applies defaults first so per-call headers win
func (f *Fetcher) setHeaders(req *http.Request, headers http.Header) {
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "gzip")
	if f.opts.Origin != "" {
		req.Header.Set("Origin", f.opts.Origin)
	}
	if f.opts.Referer != "" {
		req.Header.Set("Referer", f.opts.Referer)
	}

	for key, values := range headers {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

// RefererHeaders builds the per-call override used to spoof a third-party referer.
// An empty referer yields nil so the defaults apply.
func RefererHeaders(referer string) http.Header {
	if referer == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Referer", referer)
	if origin := originOf(referer); origin != "" {
		h.Set("Origin", origin)
	}
	return h
}

// originOf trims a referer down to scheme://host
func originOf(referer string) string {
	idx := strings.Index(referer, "://")
	if idx < 0 {
		return ""
	}
	rest := referer[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return referer[:idx+3] + rest
}
