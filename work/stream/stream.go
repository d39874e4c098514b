package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tonywagner/milbserver/work/cache"
	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/logger"
)

// URLTTL bounds how long a resolved stream URL is reused; playback tokens
// rotate quickly upstream.
const URLTTL = 60 * time.Second

// Namespace is the cache namespace of resolved stream URLs.
const Namespace = "stream"

var (
	// ErrMissingToken stops the request when no access token is available.
	ErrMissingToken = errors.New("missing access token")

	// ErrNoStream is returned when the playback service has no URL for a game.
	ErrNoStream = errors.New("no stream available")
)

// Fetcher is the outbound HTTP dependency.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header) (*client.Response, error)
}

// TokenProvider yields the bearer token of the authenticated session.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a token configured ahead of time.
type StaticToken string

// AccessToken returns the token, or ErrMissingToken when it is empty.
func (t StaticToken) AccessToken(context.Context) (string, error) {
	if t == "" {
		return "", ErrMissingToken
	}
	return string(t), nil
}

// Resolver maps a game to the master playlist URL of its broadcast.
type Resolver interface {
	StreamURL(ctx context.Context, gamePk string) (string, error)
}

// PlaybackResolver asks the playback service for the stream URL of a game.
type PlaybackResolver struct {
	fetcher  Fetcher
	template string
	tokens   TokenProvider
}

// NewPlaybackResolver builds a resolver. template must contain {gamePk}.
func NewPlaybackResolver(fetcher Fetcher, template string, tokens TokenProvider) *PlaybackResolver {
	return &PlaybackResolver{fetcher: fetcher, template: template, tokens: tokens}
}

type playbackReply struct {
	URL string `json:"url"`
}

// StreamURL resolves gamePk through the playback service.
func (r *PlaybackResolver) StreamURL(ctx context.Context, gamePk string) (string, error) {
	if r.template == "" {
		return "", fmt.Errorf("%w: no playback service configured", ErrNoStream)
	}

	token, err := r.tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingToken) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrMissingToken, err)
	}
	if token == "" {
		return "", ErrMissingToken
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Accept", "application/json")

	target := strings.ReplaceAll(r.template, "{gamePk}", url.PathEscape(gamePk))
	resp, err := r.fetcher.Fetch(ctx, target, headers)
	if err != nil {
		return "", err
	}

	var reply playbackReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return "", fmt.Errorf("decoding playback reply for %s: %w", gamePk, err)
	}
	if reply.URL == "" {
		return "", fmt.Errorf("%w: game %s", ErrNoStream, gamePk)
	}

	logger.Debug("{stream/stream - StreamURL} resolved game %s", gamePk)
	return reply.URL, nil
}

// CachedResolver reuses resolved URLs for URLTTL.
type CachedResolver struct {
	next Resolver
	urls *cache.Store[string]
}

// NewCachedResolver registers the stream namespace with reg.
func NewCachedResolver(next Resolver, reg *cache.Registry) *CachedResolver {
	return &CachedResolver{
		next: next,
		urls: cache.NewStore(reg, Namespace, cache.Fixed[string](URLTTL)),
	}
}

// StreamURL serves from the cache or asks the wrapped resolver.
func (r *CachedResolver) StreamURL(ctx context.Context, gamePk string) (string, error) {
	return r.urls.GetOrFetch(ctx, gamePk, func(ctx context.Context) (string, error) {
		return r.next.StreamURL(ctx, gamePk)
	})
}
