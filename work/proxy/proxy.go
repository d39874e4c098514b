package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/metrics"
	"github.com/tonywagner/milbserver/work/parser"
	"github.com/tonywagner/milbserver/work/stream"
	"github.com/tonywagner/milbserver/work/types"
	"github.com/tonywagner/milbserver/work/utils"
)

// ErrNoSource is returned when a stream request names neither a game, a team
// nor a source URL.
var ErrNoSource = errors.New("no stream source given")

// Fetcher is the outbound HTTP dependency.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header) (*client.Response, error)
}

// SegmentSource fetches and decrypts media segments.
type SegmentSource interface {
	FetchSegment(ctx context.Context, segmentURL, key, iv, referer string) ([]byte, error)
}

// GameData is the play-by-play and schedule provider.
type GameData interface {
	GameEvents(ctx context.Context, gamePk string) ([]types.Play, error)
	TeamGame(ctx context.Context, teamID, sportID int) (string, error)
}

// Source is a resolved master playlist location.
type Source struct {
	URL    string
	GamePk string
}

// Options tunes a StreamProxy; zero values pick defaults.
type Options struct {
	ScratchTTL time.Duration
	Obfuscate  bool
	Clock      func() time.Time
}

// StreamProxy runs the manifest rewrite pipeline. It holds no per-request
// state; break intervals computed on a stream load are kept in a scratch map
// for the media playlist polls that follow.
type StreamProxy struct {
	fetcher    Fetcher
	segments   SegmentSource
	games      GameData
	resolver   stream.Resolver
	workerPool *ants.Pool
	scratch    *xsync.MapOf[string, scratchEntry]
	scratchTTL time.Duration
	now        func() time.Time
	obfuscate  bool
}

// New creates a StreamProxy. workerPool may be nil, in which case the skip
// marker inputs are loaded one after the other.
func New(fetcher Fetcher, segments SegmentSource, games GameData, resolver stream.Resolver, workerPool *ants.Pool, opts Options) *StreamProxy {
	if opts.ScratchTTL <= 0 {
		opts.ScratchTTL = 6 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &StreamProxy{
		fetcher:    fetcher,
		segments:   segments,
		games:      games,
		resolver:   resolver,
		workerPool: workerPool,
		scratch:    xsync.NewMapOf[string, scratchEntry](),
		scratchTTL: opts.ScratchTTL,
		now:        opts.Clock,
		obfuscate:  opts.Obfuscate,
	}
}

// ResolveSource turns the stream request's selector into a master playlist
// URL. An explicit src wins, then gamePk, then the team's game of the day.
func (sp *StreamProxy) ResolveSource(ctx context.Context, src, gamePk string, teamID, sportID int) (Source, error) {
	if src != "" {
		return Source{URL: src, GamePk: gamePk}, nil
	}

	if gamePk == "" && teamID > 0 {
		pk, err := sp.games.TeamGame(ctx, teamID, sportID)
		if err != nil {
			return Source{}, err
		}
		logger.Debug("{proxy/proxy - ResolveSource} team %d plays game %s", teamID, pk)
		gamePk = pk
	}

	if gamePk == "" {
		return Source{}, ErrNoSource
	}

	u, err := sp.resolver.StreamURL(ctx, gamePk)
	if err != nil {
		return Source{}, err
	}
	return Source{URL: u, GamePk: gamePk}, nil
}

// fetchPlaylist downloads and classifies a playlist.
func (sp *StreamProxy) fetchPlaylist(ctx context.Context, playlistURL, referer string) (string, parser.Kind, error) {
	resp, err := sp.fetcher.Fetch(ctx, playlistURL, client.RefererHeaders(referer))
	if err != nil {
		return "", parser.KindInvalid, err
	}

	text := string(resp.Body)
	kind := parser.Classify(text)
	if kind == parser.KindInvalid {
		metrics.InvalidManifests.Inc()
		logger.Warn("{proxy/proxy - fetchPlaylist} rejected non-HLS body (%d bytes) from %s",
			len(resp.Body), utils.LogURL(sp.obfuscate, playlistURL))
		return "", kind, fmt.Errorf("%w: %s", parser.ErrInvalidManifest, utils.LogURL(sp.obfuscate, playlistURL))
	}

	return text, kind, nil
}

// Master serves the first hop. This is a stream load: break intervals are
// recomputed and stored for the media hop. A media playlist fetched where a
// master was expected is rewritten as media instead.
func (sp *StreamProxy) Master(ctx context.Context, masterURL string, opts types.StreamOptions) (string, error) {
	text, kind, err := sp.fetchPlaylist(ctx, masterURL, opts.Referer)
	if err != nil {
		return "", err
	}

	var intervals []types.BreakInterval
	if opts.NeedsSkipMarkers() {
		res, err := sp.BreakIntervals(ctx, opts, text, masterURL)
		if err != nil {
			logger.Warn("{proxy/proxy - Master} game %s plays unskipped: %v", opts.GamePk, err)
		}
		intervals = res.Intervals
	}

	if kind == parser.KindMedia {
		logger.Info("{proxy/proxy - Master} media playlist at %s, switching to media rewrite", utils.LogURL(sp.obfuscate, masterURL))
		return sp.rewriteMedia(text, masterURL, opts, intervals), nil
	}

	metrics.PlaylistRewrites.WithLabelValues("master").Inc()
	return parser.RewriteMaster(text, masterURL, opts), nil
}

// Media serves the second hop, reusing the intervals of the stream load.
func (sp *StreamProxy) Media(ctx context.Context, playlistURL string, opts types.StreamOptions) (string, error) {
	text, kind, err := sp.fetchPlaylist(ctx, playlistURL, opts.Referer)
	if err != nil {
		return "", err
	}

	if kind == parser.KindMaster {
		logger.Info("{proxy/proxy - Media} master playlist at %s, rewriting as master", utils.LogURL(sp.obfuscate, playlistURL))
		metrics.PlaylistRewrites.WithLabelValues("master").Inc()
		return parser.RewriteMaster(text, playlistURL, opts), nil
	}

	var intervals []types.BreakInterval
	if opts.NeedsSkipMarkers() {
		if res, ok := sp.scratchLookup(opts.SkipKey()); ok {
			intervals = res.Intervals
		} else {
			res, err := sp.BreakIntervals(ctx, opts, text, playlistURL)
			if err != nil {
				logger.Warn("{proxy/proxy - Media} game %s plays unskipped: %v", opts.GamePk, err)
			}
			intervals = res.Intervals
		}
	}

	return sp.rewriteMedia(text, playlistURL, opts, intervals), nil
}

func (sp *StreamProxy) rewriteMedia(text, playlistURL string, opts types.StreamOptions, intervals []types.BreakInterval) string {
	metrics.PlaylistRewrites.WithLabelValues("media").Inc()
	return parser.RewriteMedia(text, playlistURL, opts, intervals, nil)
}

// Segment returns a media or subtitle segment in the clear.
func (sp *StreamProxy) Segment(ctx context.Context, segmentURL, key, iv, referer string) ([]byte, error) {
	return sp.segments.FetchSegment(ctx, segmentURL, key, iv, referer)
}
