package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/metrics"
	"github.com/tonywagner/milbserver/work/parser"
	"github.com/tonywagner/milbserver/work/skip"
	"github.com/tonywagner/milbserver/work/types"
	"github.com/tonywagner/milbserver/work/utils"
)

// scratchEntry holds the intervals of one stream load.
type scratchEntry struct {
	result  skip.Result
	expires time.Time
}

func (sp *StreamProxy) scratchLookup(key string) (skip.Result, bool) {
	e, ok := sp.scratch.Load(key)
	if !ok {
		return skip.Result{}, false
	}
	if !sp.now().Before(e.expires) {
		sp.scratch.Delete(key)
		return skip.Result{}, false
	}
	return e.result, true
}

// scratchStore saves a result and drops whatever has gone stale.
func (sp *StreamProxy) scratchStore(key string, res skip.Result) {
	now := sp.now()
	sp.scratch.Range(func(k string, e scratchEntry) bool {
		if !now.Before(e.expires) {
			sp.scratch.Delete(k)
		}
		return true
	})
	sp.scratch.Store(key, scratchEntry{result: res, expires: now.Add(sp.scratchTTL)})
}

// submit runs task on the worker pool, or inline when there is no pool or it
// refuses the task.
func (sp *StreamProxy) submit(wg *sync.WaitGroup, task func()) {
	wg.Add(1)
	run := func() {
		defer wg.Done()
		task()
	}

	if sp.workerPool == nil {
		run()
		return
	}
	if err := sp.workerPool.Submit(run); err != nil {
		logger.Debug("{proxy/skip - submit} worker pool refused task, running inline: %v", err)
		run()
	}
}

// BreakIntervals computes the intervals to remove for opts from a fresh play
// list and stores them in the scratch map. playlistText is the playlist the
// stream was loaded from; its broadcast start is read from the highest
// variant when it is a master. The broadcast start and the plays are loaded
// in parallel.
func (sp *StreamProxy) BreakIntervals(ctx context.Context, opts types.StreamOptions, playlistText, playlistURL string) (skip.Result, error) {
	if opts.GamePk == "" {
		return skip.Result{}, fmt.Errorf("%w: no game id", skip.ErrMissingGameData)
	}

	var (
		wg        sync.WaitGroup
		start     time.Time
		startErr  error
		plays     []types.Play
		eventsErr error
	)

	sp.submit(&wg, func() {
		start, startErr = sp.broadcastStart(ctx, playlistText, playlistURL, opts.Referer)
	})
	sp.submit(&wg, func() {
		plays, eventsErr = sp.games.GameEvents(ctx, opts.GamePk)
	})
	wg.Wait()

	if startErr != nil {
		return skip.Result{}, fmt.Errorf("broadcast start of game %s: %w", opts.GamePk, startErr)
	}
	if eventsErr != nil {
		return skip.Result{}, fmt.Errorf("%w: game %s: %w", skip.ErrMissingGameData, opts.GamePk, eventsErr)
	}

	res, err := skip.Compute(plays, skip.Params{
		Policy:         opts.Skip,
		BroadcastStart: start,
		StartInning:    opts.InningNumber,
		StartHalf:      opts.InningHalf,
		Adjust:         float64(opts.SkipAdjust),
	})
	if err != nil {
		if errors.Is(err, skip.ErrMissingGameData) {
			logger.Warn("{proxy/skip - BreakIntervals} game %s has no plays yet", opts.GamePk)
		}
		return skip.Result{}, err
	}

	sp.scratchStore(opts.SkipKey(), res)
	metrics.SkipSeconds.WithLabelValues(opts.GamePk).Set(res.Total)

	logger.Info("{proxy/skip - BreakIntervals} game %s %s: %d intervals, %.0fs removed",
		opts.GamePk, opts.Skip, len(res.Intervals), res.Total)
	return res, nil
}

// broadcastStart reads the first program date time of the stream. A master
// playlist is followed to its highest variant.
func (sp *StreamProxy) broadcastStart(ctx context.Context, text, playlistURL, referer string) (time.Time, error) {
	if parser.Classify(text) == parser.KindMaster {
		variant, ok := parser.HighestVariant(text, playlistURL)
		if !ok {
			return time.Time{}, fmt.Errorf("no variants in %s", utils.LogURL(sp.obfuscate, playlistURL))
		}

		media, kind, err := sp.fetchPlaylist(ctx, variant, referer)
		if err != nil {
			return time.Time{}, err
		}
		if kind != parser.KindMedia {
			return time.Time{}, fmt.Errorf("%w: variant %s is not a media playlist", parser.ErrInvalidManifest, utils.LogURL(sp.obfuscate, variant))
		}
		text = media
	}

	return parser.ProgramDateTime(text)
}

// SkipReport resolves a game's stream and computes its intervals under opts
// without serving a playlist. It backs the admin diagnostic.
func (sp *StreamProxy) SkipReport(ctx context.Context, opts types.StreamOptions) (skip.Result, error) {
	src, err := sp.ResolveSource(ctx, "", opts.GamePk, 0, 0)
	if err != nil {
		return skip.Result{}, err
	}

	text, _, err := sp.fetchPlaylist(ctx, src.URL, opts.Referer)
	if err != nil {
		return skip.Result{}, err
	}

	return sp.BreakIntervals(ctx, opts, text, src.URL)
}
