package statsapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tonywagner/milbserver/work/cache"
)

var eastern = time.FixedZone("EDT", -4*3600)

// noon on 2024-06-15 local
var fetchedAt = time.Date(2024, 6, 15, 12, 0, 0, 0, eastern)

func game(state, detailed string, start time.Time, tbd bool) ScheduleGame {
	g := ScheduleGame{GameDate: start}
	g.Status = GameStatus{AbstractGameState: state, DetailedState: detailed, StartTimeTBD: tbd}
	return g
}

func schedule(date string, games ...ScheduleGame) *Schedule {
	return &Schedule{Date: date, Dates: []ScheduleDate{{Date: date, Games: games}}}
}

func TestDayExpiry(t *testing.T) {
	policy := DayExpiry(eastern)
	evening := time.Date(2024, 6, 15, 19, 5, 0, 0, eastern)

	tests := []struct {
		name string
		s    *Schedule
		want time.Time
	}{
		{
			name: "live game today",
			s:    schedule("2024-06-15", game(StateLive, "In Progress", fetchedAt.Add(-time.Hour), false)),
			want: fetchedAt.Add(time.Minute),
		},
		{
			name: "suspended game is not live",
			s:    schedule("2024-06-15", game(StateLive, "Suspended: Rain", fetchedAt.Add(-time.Hour), false)),
			want: fetchedAt.Add(time.Hour),
		},
		{
			name: "doubleheader game two waiting on game one",
			s: schedule("2024-06-15",
				game(StateFinal, "Final", fetchedAt.Add(-3*time.Hour), false),
				game(StatePreview, "Scheduled", time.Time{}, true)),
			want: fetchedAt.Add(time.Minute),
		},
		{
			name: "next first pitch tonight",
			s: schedule("2024-06-15",
				game(StateFinal, "Final", fetchedAt.Add(-3*time.Hour), false),
				game(StatePreview, "Scheduled", evening, false)),
			want: evening.Add(-15 * time.Minute),
		},
		{
			name: "first pitch imminent",
			s:    schedule("2024-06-15", game(StatePreview, "Scheduled", fetchedAt.Add(5*time.Minute), false)),
			want: fetchedAt.Add(time.Minute),
		},
		{
			name: "everything final today",
			s:    schedule("2024-06-15", game(StateFinal, "Final", fetchedAt.Add(-3*time.Hour), false)),
			want: fetchedAt.Add(time.Hour),
		},
		{
			name: "yesterday still refreshes hourly",
			s:    schedule("2024-06-14", game(StateFinal, "Final", fetchedAt.Add(-27*time.Hour), false)),
			want: fetchedAt.Add(time.Hour),
		},
		{
			name: "yesterday with a game running past midnight",
			s:    schedule("2024-06-14", game(StateLive, "In Progress", fetchedAt.Add(-27*time.Hour), false)),
			want: fetchedAt.Add(time.Minute),
		},
		{
			name: "older history never expires",
			s:    schedule("2024-06-13", game(StateFinal, "Final", fetchedAt.Add(-51*time.Hour), false)),
			want: cache.Never,
		},
		{
			name: "future date refreshes next morning",
			s:    schedule("2024-06-20", game(StatePreview, "Scheduled", fetchedAt.Add(5*24*time.Hour), false)),
			want: time.Date(2024, 6, 16, 10, 0, 0, 0, eastern),
		},
		{
			name: "empty day",
			s:    schedule("2024-06-15"),
			want: fetchedAt.Add(time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy("key", tt.s, fetchedAt)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestDayExpiry_LiveGameFromStore(t *testing.T) {
	now := fetchedAt
	reg := cache.NewRegistry(cache.Options{Clock: func() time.Time { return now }})
	days := cache.NewStore(reg, "day", DayExpiry(eastern))

	e := days.Put("2024-06-15|11|0", schedule("2024-06-15", game(StateLive, "In Progress", now.Add(-time.Hour), false)))
	assert.Equal(t, now.Add(60*time.Second), e.Expiry)
}

func TestGameExpiry(t *testing.T) {
	policy := GameExpiry(eastern)

	feed := func(date, state string) *GameFeed {
		g := &GameFeed{}
		g.GameData.Datetime.OfficialDate = date
		g.GameData.Status.AbstractGameState = state
		return g
	}

	assert.Equal(t, fetchedAt.Add(5*time.Minute), policy("1", feed("2024-06-15", StateLive), fetchedAt))
	assert.Equal(t, fetchedAt.Add(time.Hour), policy("1", feed("2024-06-15", StatePreview), fetchedAt))
	assert.Equal(t, fetchedAt.Add(time.Hour), policy("1", feed("2024-06-15", StateFinal), fetchedAt))
	assert.Equal(t, cache.Never, policy("1", feed("2024-06-14", StateFinal), fetchedAt))

	// west coast night game still going after local midnight
	afterMidnight := time.Date(2024, 6, 16, 0, 30, 0, 0, eastern)
	live := policy("1", feed("2024-06-15", StateLive), afterMidnight)
	assert.Equal(t, afterMidnight.Add(5*time.Minute), live)
	assert.False(t, cache.IsForever(live))

	// a past game that never finished is not frozen either
	assert.Equal(t, afterMidnight.Add(time.Hour), policy("1", feed("2024-06-15", StatePreview), afterMidnight))
}
