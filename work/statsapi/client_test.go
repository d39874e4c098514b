package statsapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonywagner/milbserver/work/cache"
	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/types"
)

const scheduleFixture = `{
  "dates": [{
    "date": "2024-06-15",
    "games": [
      {"gamePk": 745001, "gameDate": "2024-06-15T16:05:00Z", "officialDate": "2024-06-15", "gameNumber": 1,
       "status": {"abstractGameState": "Final", "detailedState": "Final"},
       "teams": {"away": {"team": {"id": 430}}, "home": {"team": {"id": 552}}}},
      {"gamePk": 745002, "gameDate": "2024-06-15T20:05:00Z", "officialDate": "2024-06-15", "gameNumber": 2,
       "status": {"abstractGameState": "%s", "detailedState": "%s"},
       "teams": {"away": {"team": {"id": 430}}, "home": {"team": {"id": 552}}}},
      {"gamePk": 745100, "gameDate": "2024-06-15T23:05:00Z", "officialDate": "2024-06-15", "gameNumber": 1,
       "status": {"abstractGameState": "Preview", "detailedState": "Scheduled"},
       "teams": {"away": {"team": {"id": 111}}, "home": {"team": {"id": 222}}}}
    ]
  }]
}`

const feedFixture = `{
  "gamePk": 745001,
  "gameData": {
    "datetime": {"dateTime": "2024-06-15T16:05:00Z", "officialDate": "2024-06-15"},
    "status": {"abstractGameState": "Live", "detailedState": "In Progress"}
  },
  "liveData": {"plays": {"allPlays": [
    {"about": {"atBatIndex": 0, "halfInning": "top", "inning": 1,
               "startTime": "2024-06-15T16:06:00Z", "endTime": "2024-06-15T16:08:00Z"},
     "playEvents": [
       {"type": "pitch", "isPitch": true, "startTime": "2024-06-15T16:06:00Z", "endTime": "2024-06-15T16:06:10Z",
        "details": {"description": "Ball"}},
       {"type": "action", "startTime": "2024-06-15T16:07:00Z", "endTime": "2024-06-15T16:07:01Z",
        "details": {"eventType": "pitching_substitution"}}
     ]},
    {"about": {"atBatIndex": 1, "halfInning": "bottom", "inning": 1,
               "startTime": "2024-06-15T16:12:00Z", "endTime": "2024-06-15T16:13:00Z"},
     "reviewDetails": {"isOverturned": true},
     "playEvents": []}
  ]}}
}`

type testServer struct {
	*httptest.Server
	schedules atomic.Int32
	feeds     atomic.Int32
	state     atomic.Value
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.state.Store(StateLive)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/schedule", func(w http.ResponseWriter, r *http.Request) {
		ts.schedules.Add(1)
		state := ts.state.Load().(string)
		detailed := "In Progress"
		if state == StateFinal {
			detailed = "Final"
		}
		fmt.Fprintf(w, scheduleFixture, state, detailed)
	})
	mux.HandleFunc("/api/v1.1/game/745001/feed/live", func(w http.ResponseWriter, r *http.Request) {
		ts.feeds.Add(1)
		fmt.Fprint(w, feedFixture)
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, base string, now *time.Time) *Client {
	t.Helper()
	reg := cache.NewRegistry(cache.Options{Clock: func() time.Time { return *now }})
	fetcher := client.NewFetcher(client.Options{Attempts: 1, RetryDelay: time.Millisecond, Timeout: 5 * time.Second})
	return NewClient(fetcher, reg, base, 11, eastern)
}

func TestSchedule_CachedUntilExpiry(t *testing.T) {
	ts := newTestServer(t)
	now := fetchedAt
	c := newTestClient(t, ts.URL, &now)
	ctx := context.Background()

	s, err := c.Schedule(ctx, "2024-06-15", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-15", s.Date)
	assert.Len(t, s.Games(), 3)

	e, ok := c.days.Entry("2024-06-15|11|0")
	require.True(t, ok)
	assert.Equal(t, now.Add(60*time.Second), e.Expiry)

	now = now.Add(30 * time.Second)
	_, err = c.Schedule(ctx, "2024-06-15", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.schedules.Load())

	now = now.Add(31 * time.Second)
	_, err = c.Schedule(ctx, "2024-06-15", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ts.schedules.Load())
}

func TestSchedule_InvalidDate(t *testing.T) {
	now := fetchedAt
	c := newTestClient(t, "http://127.0.0.1:1", &now)

	_, err := c.Schedule(context.Background(), "June 15", 0, 0)
	assert.Error(t, err)
}

func TestSchedule_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	now := fetchedAt
	c := newTestClient(t, srv.URL, &now)

	_, err := c.Schedule(context.Background(), "2024-06-15", 0, 0)
	assert.ErrorIs(t, err, client.ErrFetchFailed)
}

func TestGameEvents(t *testing.T) {
	ts := newTestServer(t)
	now := fetchedAt
	c := newTestClient(t, ts.URL, &now)

	plays, err := c.GameEvents(context.Background(), "745001")
	require.NoError(t, err)
	require.Len(t, plays, 2)

	first := plays[0]
	assert.Equal(t, 1, first.Inning)
	assert.Equal(t, types.HalfTop, first.Half)
	require.Len(t, first.Events, 2)
	assert.Equal(t, types.CategoryNeutral, first.Events[0].Category)
	assert.False(t, first.Events[0].Associated)
	assert.Equal(t, types.CategoryBreak, first.Events[1].Category)
	assert.True(t, first.Events[1].Associated)

	assert.Equal(t, types.HalfBottom, plays[1].Half)
	assert.True(t, plays[1].Overturned)

	e, ok := c.games.Entry("745001")
	require.True(t, ok)
	assert.Equal(t, now.Add(LiveGameTTL), e.Expiry)

	_, err = c.GameEvents(context.Background(), "745001")
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.feeds.Load())
}

func TestGame_InvalidPk(t *testing.T) {
	now := fetchedAt
	c := newTestClient(t, "http://127.0.0.1:1", &now)

	_, err := c.Game(context.Background(), "../etc")
	assert.Error(t, err)
}

func TestTeamGame(t *testing.T) {
	ts := newTestServer(t)
	now := fetchedAt
	c := newTestClient(t, ts.URL, &now)
	ctx := context.Background()

	pk, err := c.TeamGame(ctx, 430, 0)
	require.NoError(t, err)
	assert.Equal(t, "745002", pk)

	pk, err = c.TeamGame(ctx, 222, 0)
	require.NoError(t, err)
	assert.Equal(t, "745100", pk)

	_, err = c.TeamGame(ctx, 999, 0)
	assert.ErrorIs(t, err, ErrNoGame)
}

func TestTeamGame_LastFinal(t *testing.T) {
	ts := newTestServer(t)
	ts.state.Store(StateFinal)
	now := fetchedAt
	c := newTestClient(t, ts.URL, &now)

	pk, err := c.TeamGame(context.Background(), 552, 0)
	require.NoError(t, err)
	assert.Equal(t, "745002", pk)
}
