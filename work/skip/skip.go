package skip

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/tonywagner/milbserver/work/types"
)

// Padding applied around every action, in seconds.
const (
	LeadIn          = 4.0
	TrailOut        = 17.0
	OverturnedExtra = 40.0
	MinimumBreak    = 10.0
)

// ErrMissingGameData means there was no play-by-play to work from. Callers
// degrade to an unskipped stream.
var ErrMissingGameData = errors.New("missing game data")

// Params selects what Compute removes.
type Params struct {
	Policy         types.SkipPolicy
	BroadcastStart time.Time
	StartInning    int
	StartHalf      types.InningHalf
	Adjust         float64
}

// Result is the sorted, non-overlapping list of intervals plus their total length.
type Result struct {
	Intervals []types.BreakInterval `json:"intervals"`
	Total     float64               `json:"total"`
}

// engine is the running state of one pass over the plays.
type engine struct {
	p          Params
	breakStart float64
	lastInning int
	lastHalf   types.InningHalf
	intervals  []types.BreakInterval
}

// Compute derives break intervals from a game's plays. The stream is assumed to
// begin inside a break, so the first interval starts at zero.
func Compute(plays []types.Play, p Params) (Result, error) {
	if len(plays) == 0 {
		return Result{}, ErrMissingGameData
	}
	if p.Policy == "" {
		p.Policy = types.SkipOff
	}
	if p.Policy == types.SkipOff && p.StartInning <= 0 {
		return Result{}, nil
	}

	if p.StartInning > 0 {
		plays = fromInning(plays, &p)
		if len(plays) == 0 {
			return Result{}, nil
		}
		if p.Policy == types.SkipOff {
			return normalize([]types.BreakInterval{{Start: 0, End: boundary(plays[0], p)}}), nil
		}
	}

	e := &engine{p: p}
	for _, play := range plays {
		e.play(play)
	}

	return normalize(e.intervals), nil
}

func (e *engine) offset(t time.Time) float64 {
	return t.Sub(e.p.BroadcastStart).Seconds()
}

// play walks one at-bat. Break-type events never end a break, so consecutive
// advisories and substitutions fold into the break already running.
func (e *engine) play(play types.Play) {
	last := lastPlayable(play.Events)

	for i, ev := range play.Events {
		if ev.Category == types.CategoryBreak {
			continue
		}

		start, end := ev.Start, ev.End
		if e.p.Policy == types.SkipPitches {
			if i != last && ev.Category != types.CategoryAction {
				continue
			}
			if (ev.Associated || end.IsZero()) && i > 0 {
				prev := play.Events[i-1]
				start, end = prev.Start, prev.End
			}
		}
		if end.IsZero() {
			if e.p.Policy != types.SkipPitches {
				continue
			}
			end = play.End
		}
		if start.IsZero() || end.IsZero() {
			continue
		}

		actionStart := e.offset(start) - LeadIn + e.p.Adjust
		e.emit(actionStart, play)

		trail := TrailOut
		if play.Overturned && i == last {
			trail += OverturnedExtra
		}
		if next := e.offset(end) + trail + e.p.Adjust; next > e.breakStart {
			e.breakStart = next
		}
	}
}

// emit closes the running break at breakEnd when it is long enough. Under the
// breaks policy only the first gap of a new half-inning counts.
func (e *engine) emit(breakEnd float64, play types.Play) {
	if breakEnd-e.breakStart < MinimumBreak {
		return
	}
	if e.p.Policy == types.SkipBreaks && play.Inning == e.lastInning && play.Half == e.lastHalf {
		return
	}

	e.intervals = append(e.intervals, types.BreakInterval{Start: e.breakStart, End: breakEnd})
	e.lastInning = play.Inning
	e.lastHalf = play.Half
}

// lastPlayable is the index of the final non-break event of an at-bat, or -1.
func lastPlayable(events []types.PlayEvent) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Category != types.CategoryBreak {
			return i
		}
	}
	return -1
}

// fromInning drops plays before the requested inning and half. A request past
// the end of the game clamps to the last half-inning played.
func fromInning(plays []types.Play, p *Params) []types.Play {
	lastInning := 0
	lastHalf := types.HalfTop
	for _, play := range plays {
		if play.Inning > lastInning {
			lastInning, lastHalf = play.Inning, play.Half
		} else if play.Inning == lastInning && play.Half == types.HalfBottom {
			lastHalf = types.HalfBottom
		}
	}

	if p.StartInning > lastInning {
		p.StartInning = lastInning
		p.StartHalf = lastHalf
	}
	if p.StartInning == lastInning && p.StartHalf == types.HalfBottom && lastHalf != types.HalfBottom {
		p.StartHalf = types.HalfTop
	}

	for i, play := range plays {
		if play.Inning > p.StartInning ||
			(play.Inning == p.StartInning && (p.StartHalf != types.HalfBottom || play.Half == types.HalfBottom)) {
			return plays[i:]
		}
	}
	return nil
}

// boundary is where playback resumes for an inning filter without skipping.
func boundary(play types.Play, p Params) float64 {
	start := play.Start
	for _, ev := range play.Events {
		if ev.Category != types.CategoryBreak && !ev.Start.IsZero() {
			start = ev.Start
			break
		}
	}
	return start.Sub(p.BroadcastStart).Seconds() - LeadIn + p.Adjust
}

// normalize sorts intervals, merges overlaps and drops empty ranges.
func normalize(in []types.BreakInterval) Result {
	var valid []types.BreakInterval
	for _, iv := range in {
		if iv.Start < 0 {
			iv.Start = 0
		}
		if iv.End > iv.Start {
			valid = append(valid, iv)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start < valid[j].Start })

	var res Result
	for _, iv := range valid {
		n := len(res.Intervals)
		if n > 0 && iv.Start <= res.Intervals[n-1].End {
			if iv.End > res.Intervals[n-1].End {
				res.Intervals[n-1].End = iv.End
			}
			continue
		}
		res.Intervals = append(res.Intervals, iv)
	}
	for _, iv := range res.Intervals {
		res.Total += iv.Duration()
	}
	return res
}

// breakTypes are feed event types that interrupt play without being play.
var breakTypes = map[string]bool{
	"game_advisory":          true,
	"batter_timeout":         true,
	"mound_visit":            true,
	"pitching_substitution":  true,
	"offensive_substitution": true,
	"defensive_substitution": true,
	"defensive_switch":       true,
	"umpire_substitution":    true,
	"pitcher_switch":         true,
	"injury":                 true,
	"ejection":               true,
	"manager_visit":          true,
	"batter_turn":            true,
	"no_pitch":               true,
}

// actionTypes are worth watching under the pitches policy.
var actionTypes = map[string]bool{
	"wild_pitch":                   true,
	"passed_ball":                  true,
	"balk":                         true,
	"error":                        true,
	"field_error":                  true,
	"throwing_error":               true,
	"catcher_interf":               true,
	"other_advance":                true,
	"other_out":                    true,
	"defensive_indiff":             true,
	"runner_double_play":           true,
	"stolen_base_2b":               true,
	"stolen_base_3b":               true,
	"stolen_base_home":             true,
	"caught_stealing_2b":           true,
	"caught_stealing_3b":           true,
	"caught_stealing_home":         true,
	"pickoff_1b":                   true,
	"pickoff_2b":                   true,
	"pickoff_3b":                   true,
	"pickoff_caught_stealing_2b":   true,
	"pickoff_caught_stealing_3b":   true,
	"pickoff_caught_stealing_home": true,
	"pickoff_error_1b":             true,
	"pickoff_error_2b":             true,
	"pickoff_error_3b":             true,
}

// Classify maps a feed event to its category. rawType is the event's own type
// ("pitch", "action", "pickoff", ...); eventType is its detail code.
func Classify(eventType, rawType string, isOut bool) types.EventCategory {
	eventType = strings.ToLower(eventType)
	switch {
	case breakTypes[eventType]:
		return types.CategoryBreak
	case isOut, actionTypes[eventType]:
		return types.CategoryAction
	case rawType == "no_pitch" || rawType == "stepoff":
		return types.CategoryBreak
	default:
		return types.CategoryNeutral
	}
}

// IsAssociated reports whether an event piggybacks on another one's timing.
func IsAssociated(rawType string) bool {
	return rawType == "action" || rawType == "pickoff"
}
