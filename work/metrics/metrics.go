package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FetchAttempts counts outbound fetch attempts by outcome ("ok", "error", "status").
var FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "milb_proxy_fetch_attempts_total",
	Help: "Outbound fetch attempts by outcome",
}, []string{"outcome"})

// FetchFailures counts fetches that exhausted every retry.
var FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "milb_proxy_fetch_failures_total",
	Help: "Outbound fetches that failed after all retries",
})

// CacheLookups counts cache reads per namespace; result is "hit", "miss", "expired" or "archive".
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "milb_proxy_cache_lookups_total",
	Help: "Cache lookups by namespace and result",
}, []string{"namespace", "result"})

// KeyFetches counts upstream segment key downloads.
var KeyFetches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "milb_proxy_key_fetches_total",
	Help: "Segment key downloads from the origin",
})

// DecryptFailures counts segments that could not be decrypted.
var DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "milb_proxy_decrypt_failures_total",
	Help: "Segments that failed AES-128 decryption",
})

// PlaylistRewrites counts rewritten manifests; kind is "master" or "media".
var PlaylistRewrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "milb_proxy_playlist_rewrites_total",
	Help: "Rewritten playlists by kind",
}, []string{"kind"})

// InvalidManifests counts bodies rejected by the classifier.
var InvalidManifests = promauto.NewCounter(prometheus.CounterOpts{
	Name: "milb_proxy_invalid_manifests_total",
	Help: "Fetched bodies that were not HLS playlists",
})

// SkippedSegments counts segments removed from media playlists by break intervals.
var SkippedSegments = promauto.NewCounter(prometheus.CounterOpts{
	Name: "milb_proxy_skipped_segments_total",
	Help: "Segments dropped from media playlists",
})

// SkipSeconds reports the total break duration computed for a game (diagnostic only).
var SkipSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "milb_proxy_skip_seconds",
	Help: "Total seconds elided by the most recent skip computation",
}, []string{"game"})
