package statsapi

import (
	"time"

	"github.com/tonywagner/milbserver/work/cache"
)

// Expiry rules for the day and game namespaces.
const (
	DefaultTTL      = time.Hour
	LiveDayTTL      = time.Minute
	LiveGameTTL     = 5 * time.Minute
	FirstPitchLead  = 15 * time.Minute
	FutureRefreshAt = 10 // local hour on the following day
)

const dateLayout = "2006-01-02"

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// parseDay reads a YYYY-MM-DD date as local midnight.
func parseDay(s string, loc *time.Location) (time.Time, bool) {
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DayExpiry is the day schedule policy. Older history never changes; future
// days are refreshed once the next morning; today and yesterday follow the
// games on them.
func DayExpiry(loc *time.Location) cache.Policy[*Schedule] {
	return func(_ string, s *Schedule, now time.Time) time.Time {
		local := now.In(loc)
		today := midnight(local)

		day, ok := parseDay(s.Date, loc)
		if !ok {
			return now.Add(DefaultTTL)
		}

		switch {
		case day.After(today):
			tomorrow := today.AddDate(0, 0, 1)
			return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), FutureRefreshAt, 0, 0, 0, loc)
		case day.Before(today.AddDate(0, 0, -1)):
			return cache.Never
		}

		games := s.Games()
		if anyLive(games) || tbdFollowsFinal(games) {
			return now.Add(LiveDayTTL)
		}

		if day.Equal(today) {
			if next, ok := nextFirstPitch(games); ok {
				at := next.Add(-FirstPitchLead)
				if !at.After(now) {
					return now.Add(LiveDayTTL)
				}
				return at
			}
		}

		return now.Add(DefaultTTL)
	}
}

// GameExpiry is the per-game policy. A feed becomes permanent only once its
// game is final and its official date has passed; a night game still live
// after midnight keeps refreshing.
func GameExpiry(loc *time.Location) cache.Policy[*GameFeed] {
	return func(_ string, g *GameFeed, now time.Time) time.Time {
		status := g.GameData.Status
		if status.IsLive() {
			return now.Add(LiveGameTTL)
		}

		today := midnight(now.In(loc))
		if day, ok := parseDay(g.GameData.Datetime.OfficialDate, loc); ok && day.Before(today) && status.IsFinal() {
			return cache.Never
		}
		return now.Add(DefaultTTL)
	}
}

func anyLive(games []ScheduleGame) bool {
	for _, g := range games {
		if g.Status.IsLive() {
			return true
		}
	}
	return false
}

// tbdFollowsFinal catches the second game of a doubleheader, whose start time
// is "TBD" until the first one ends.
func tbdFollowsFinal(games []ScheduleGame) bool {
	for i := 1; i < len(games); i++ {
		if games[i].Status.StartTimeTBD && !games[i].Status.IsFinal() && games[i-1].Status.IsFinal() {
			return true
		}
	}
	return false
}

// nextFirstPitch is the earliest scheduled start of a game not yet under way.
func nextFirstPitch(games []ScheduleGame) (time.Time, bool) {
	var next time.Time
	for _, g := range games {
		if g.Status.AbstractGameState != StatePreview || g.Status.StartTimeTBD || g.GameDate.IsZero() {
			continue
		}
		if next.IsZero() || g.GameDate.Before(next) {
			next = g.GameDate
		}
	}
	return next, !next.IsZero()
}
