package types

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tonywagner/milbserver/work/utils"
)

// SkipPolicy selects which parts of a broadcast are elided from the media playlist.
type SkipPolicy string

const (
	SkipOff      SkipPolicy = "off"
	SkipBreaks   SkipPolicy = "breaks"
	SkipIdleTime SkipPolicy = "idle-time"
	SkipPitches  SkipPolicy = "pitches"
)

// ParseSkipPolicy accepts the query spellings; anything unknown means off.
func ParseSkipPolicy(s string) SkipPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "breaks", "commercials":
		return SkipBreaks
	case "idle-time", "idle", "idletime":
		return SkipIdleTime
	case "pitches":
		return SkipPitches
	default:
		return SkipOff
	}
}

// InningHalf is the half-inning part of the start filter.
type InningHalf string

const (
	HalfTop    InningHalf = "top"
	HalfBottom InningHalf = "bottom"
)

// ResolutionAdaptive keeps every variant of the master playlist.
const ResolutionAdaptive = "adaptive"

// Query parameter names shared by every endpoint.
const (
	ParamURL          = "url"
	ParamResolution   = "resolution"
	ParamInningHalf   = "inning_half"
	ParamInningNumber = "inning_number"
	ParamSkip         = "skip"
	ParamSkipAdjust   = "skip_adjust"
	ParamPad          = "pad"
	ParamForceVOD     = "force_vod"
	ParamReferer      = "referer"
	ParamToken        = "token"
	ParamGamePk       = "gamePk"
	ParamKey          = "key"
	ParamIV           = "iv"
)

// StreamOptions is the per-request configuration built once from the query
// string. It is passed by value and never modified afterwards.
type StreamOptions struct {
	Resolution   string
	ForceVOD     bool
	InningHalf   InningHalf
	InningNumber int
	Skip         SkipPolicy
	SkipAdjust   int
	Pad          bool
	Referer      string
	Token        string
	GamePk       string
}

// DefaultStreamOptions is what an empty query string yields.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Resolution: ResolutionAdaptive,
		InningHalf: HalfTop,
		Skip:       SkipOff,
	}
}

// ParseStreamOptions reads the stream options from a request query. Malformed
// numbers are reported so the handler can answer 400.
func ParseStreamOptions(q url.Values) (StreamOptions, error) {
	opts := DefaultStreamOptions()

	if r := strings.TrimSpace(q.Get(ParamResolution)); r != "" {
		opts.Resolution = r
	}

	if strings.EqualFold(q.Get(ParamInningHalf), string(HalfBottom)) {
		opts.InningHalf = HalfBottom
	}

	if v := q.Get(ParamInningNumber); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid %s %q", ParamInningNumber, v)
		}
		opts.InningNumber = n
	}

	if v := q.Get(ParamSkipAdjust); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q", ParamSkipAdjust, v)
		}
		opts.SkipAdjust = n
	}

	opts.Skip = ParseSkipPolicy(q.Get(ParamSkip))
	opts.Pad = utils.QueryBool(q, ParamPad)
	opts.ForceVOD = utils.QueryBool(q, ParamForceVOD)
	opts.Referer = q.Get(ParamReferer)
	opts.Token = q.Get(ParamToken)
	opts.GamePk = q.Get(ParamGamePk)

	return opts, nil
}

// NeedsSkipMarkers reports whether break intervals must be computed, which
// requires a game id and either a skip policy or an inning filter.
func (o StreamOptions) NeedsSkipMarkers() bool {
	if o.GamePk == "" {
		return false
	}
	return o.Skip != SkipOff || o.InningNumber > 0
}

// Forward renders the options that travel from the master hop to the media
// hop. Defaults are omitted to keep the rewritten URLs short.
func (o StreamOptions) Forward() url.Values {
	v := url.Values{}
	if o.InningHalf == HalfBottom {
		v.Set(ParamInningHalf, string(HalfBottom))
	}
	if o.InningNumber > 0 {
		v.Set(ParamInningNumber, strconv.Itoa(o.InningNumber))
	}
	if o.Skip != SkipOff && o.Skip != "" {
		v.Set(ParamSkip, string(o.Skip))
	}
	if o.SkipAdjust != 0 {
		v.Set(ParamSkipAdjust, strconv.Itoa(o.SkipAdjust))
	}
	if o.Pad {
		v.Set(ParamPad, "true")
	}
	if o.GamePk != "" {
		v.Set(ParamGamePk, o.GamePk)
	}
	if o.ForceVOD {
		v.Set(ParamForceVOD, "true")
	}
	if o.Token != "" {
		v.Set(ParamToken, o.Token)
	}
	if o.Referer != "" {
		v.Set(ParamReferer, o.Referer)
	}
	return v
}

// SkipKey identifies the scratch entry holding this request's break intervals.
func (o StreamOptions) SkipKey() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", o.GamePk, o.Skip, o.InningHalf, o.InningNumber, o.SkipAdjust)
}

// BreakInterval is a range of seconds, relative to broadcast start, to elide.
type BreakInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration of the interval in seconds
func (b BreakInterval) Duration() float64 {
	return b.End - b.Start
}

// EventCategory classifies a play event for the skip engine.
type EventCategory int

const (
	CategoryNeutral EventCategory = iota
	CategoryBreak
	CategoryAction
)

func (c EventCategory) String() string {
	switch c {
	case CategoryBreak:
		return "break"
	case CategoryAction:
		return "action"
	default:
		return "neutral"
	}
}

// PlayEvent is one action within an at-bat. A zero End means the feed did not
// record when it finished.
type PlayEvent struct {
	Category   EventCategory
	Type       string
	Start      time.Time
	End        time.Time
	Associated bool
}

// Play is one at-bat with its events in broadcast order.
type Play struct {
	AtBatIndex int
	Inning     int
	Half       InningHalf
	Start      time.Time
	End        time.Time
	Overturned bool
	Events     []PlayEvent
}
