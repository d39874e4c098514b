package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/parser"
	"github.com/tonywagner/milbserver/work/segment"
	"github.com/tonywagner/milbserver/work/skip"
	"github.com/tonywagner/milbserver/work/types"
)

const masterFixture = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,FRAME-RATE=29.97
360.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1280x720,FRAME-RATE=59.94
720.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=100000,URI="iframe.m3u8"
`

const mediaFixture = `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PROGRAM-DATE-TIME:2024-06-15T16:00:00.000Z
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:10.0,
seg2.ts
#EXTINF:10.0,
seg3.ts
#EXTINF:10.0,
seg4.ts
#EXTINF:10.0,
seg5.ts
#EXT-X-ENDLIST
`

var broadcastStart = time.Date(2024, 6, 15, 16, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return broadcastStart.Add(time.Duration(sec) * time.Second)
}

// two half-innings; the second starts 34s into the broadcast
var fixturePlays = []types.Play{
	{
		Inning: 1, Half: types.HalfTop, Start: at(5), End: at(10),
		Events: []types.PlayEvent{{Category: types.CategoryNeutral, Start: at(5), End: at(10)}},
	},
	{
		Inning: 2, Half: types.HalfTop, Start: at(34), End: at(40),
		Events: []types.PlayEvent{{Category: types.CategoryNeutral, Start: at(34), End: at(40)}},
	},
}

type fakeGames struct {
	calls atomic.Int32
	plays []types.Play
	err   error
	teams map[int]string
}

func (f *fakeGames) GameEvents(_ context.Context, gamePk string) ([]types.Play, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.plays, nil
}

func (f *fakeGames) TeamGame(_ context.Context, teamID, _ int) (string, error) {
	pk, ok := f.teams[teamID]
	if !ok {
		return "", errors.New("no game")
	}
	return pk, nil
}

type fakeResolver struct {
	base string
}

func (r fakeResolver) StreamURL(_ context.Context, gamePk string) (string, error) {
	return r.base + "/" + gamePk + "/master.m3u8", nil
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/745001/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, masterFixture)
	})
	mux.HandleFunc("/745001/720.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaFixture)
	})
	mux.HandleFunc("/745001/360.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaFixture)
	})
	mux.HandleFunc("/error.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>Access denied</body></html>")
	})
	mux.HandleFunc("/745001/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "clear-segment")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	origin *httptest.Server
	games  *fakeGames
	now    time.Time
	sp     *StreamProxy
}

func newHarness(t *testing.T, pool *ants.Pool) *harness {
	t.Helper()
	h := &harness{
		origin: newOrigin(t),
		games:  &fakeGames{plays: fixturePlays, teams: map[int]string{430: "745001"}},
		now:    time.Date(2024, 6, 15, 18, 0, 0, 0, time.UTC),
	}
	fetcher := client.NewFetcher(client.Options{Attempts: 1, Timeout: 5 * time.Second})
	h.sp = New(fetcher, segment.NewDecryptor(fetcher, false), h.games, fakeResolver{base: h.origin.URL}, pool, Options{
		ScratchTTL: time.Hour,
		Clock:      func() time.Time { return h.now },
	})
	return h
}

func inningTwo() types.StreamOptions {
	opts := types.DefaultStreamOptions()
	opts.GamePk = "745001"
	opts.InningNumber = 2
	return opts
}

func TestMaster_ComputesIntervalsForMediaHop(t *testing.T) {
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	h := newHarness(t, pool)
	ctx := context.Background()
	opts := inningTwo()

	out, err := h.sp.Master(ctx, h.origin.URL+"/745001/master.m3u8", opts)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "playlist?url="))
	assert.NotContains(t, out, "I-FRAME")
	assert.Contains(t, out, "gamePk=745001")
	assert.Contains(t, out, "inning_number=2")
	assert.Equal(t, int32(1), h.games.calls.Load())

	res, ok := h.sp.scratchLookup(opts.SkipKey())
	require.True(t, ok)
	assert.Equal(t, []types.BreakInterval{{Start: 0, End: 30}}, res.Intervals)

	media, err := h.sp.Media(ctx, h.origin.URL+"/745001/720.m3u8", opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.games.calls.Load(), "media hop reuses the stream load's intervals")
	assert.Equal(t, 4, strings.Count(media, "ts?url="))
	assert.Equal(t, 1, strings.Count(media, "#EXT-X-DISCONTINUITY"))
	assert.NotContains(t, media, "seg0.ts")
	assert.NotContains(t, media, "seg1.ts")
	assert.True(t, strings.HasSuffix(media, "#EXT-X-ENDLIST\n"))
}

func TestMedia_ComputesWhenNoStreamLoad(t *testing.T) {
	h := newHarness(t, nil)

	media, err := h.sp.Media(context.Background(), h.origin.URL+"/745001/720.m3u8", inningTwo())
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.games.calls.Load())
	assert.Equal(t, 4, strings.Count(media, "ts?url="))
}

func TestMedia_ScratchExpires(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	target := h.origin.URL + "/745001/720.m3u8"

	_, err := h.sp.Media(ctx, target, inningTwo())
	require.NoError(t, err)
	_, err = h.sp.Media(ctx, target, inningTwo())
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.games.calls.Load())

	h.now = h.now.Add(time.Hour)
	_, err = h.sp.Media(ctx, target, inningTwo())
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.games.calls.Load())
}

func TestMedia_NoSkipWithoutOptions(t *testing.T) {
	h := newHarness(t, nil)
	opts := types.DefaultStreamOptions()
	opts.GamePk = "745001"

	media, err := h.sp.Media(context.Background(), h.origin.URL+"/745001/720.m3u8", opts)
	require.NoError(t, err)
	assert.Zero(t, h.games.calls.Load())
	assert.Equal(t, 6, strings.Count(media, "ts?url="))
	assert.NotContains(t, media, "#EXT-X-DISCONTINUITY")
}

func TestMedia_MissingGameDataPlaysUnskipped(t *testing.T) {
	h := newHarness(t, nil)
	h.games.err = errors.New("feed unavailable")

	media, err := h.sp.Media(context.Background(), h.origin.URL+"/745001/720.m3u8", inningTwo())
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(media, "ts?url="))

	_, err = h.sp.BreakIntervals(context.Background(), inningTwo(), mediaFixture, h.origin.URL+"/745001/720.m3u8")
	assert.ErrorIs(t, err, skip.ErrMissingGameData)
}

func TestMaster_MediaPlaylistSwitches(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.sp.Master(context.Background(), h.origin.URL+"/745001/720.m3u8", types.DefaultStreamOptions())
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(out, "ts?url="))
	assert.NotContains(t, out, "playlist?url=")
}

func TestMedia_MasterPlaylistRewrittenAsMaster(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.sp.Media(context.Background(), h.origin.URL+"/745001/master.m3u8", types.DefaultStreamOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "playlist?url="))
}

func TestMaster_InvalidManifest(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.sp.Master(context.Background(), h.origin.URL+"/error.html", types.DefaultStreamOptions())
	assert.ErrorIs(t, err, parser.ErrInvalidManifest)
}

func TestMaster_FetchFailed(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.sp.Master(context.Background(), h.origin.URL+"/missing.m3u8", types.DefaultStreamOptions())
	assert.ErrorIs(t, err, client.ErrFetchFailed)
}

func TestResolveSource(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	src, err := h.sp.ResolveSource(ctx, "https://example.com/x.m3u8", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x.m3u8", src.URL)

	src, err = h.sp.ResolveSource(ctx, "", "745001", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, h.origin.URL+"/745001/master.m3u8", src.URL)

	src, err = h.sp.ResolveSource(ctx, "", "", 430, 0)
	require.NoError(t, err)
	assert.Equal(t, "745001", src.GamePk)
	assert.Equal(t, h.origin.URL+"/745001/master.m3u8", src.URL)

	_, err = h.sp.ResolveSource(ctx, "", "", 0, 0)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestSkipReport(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.sp.SkipReport(context.Background(), inningTwo())
	require.NoError(t, err)
	assert.Equal(t, 30.0, res.Total)
}

func TestSegment_Passthrough(t *testing.T) {
	h := newHarness(t, nil)

	data, err := h.sp.Segment(context.Background(), h.origin.URL+"/745001/seg0.ts", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "clear-segment", string(data))
}
