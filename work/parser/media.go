package parser

import (
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"

	"github.com/tonywagner/milbserver/work/metrics"
	"github.com/tonywagner/milbserver/work/types"
	"github.com/tonywagner/milbserver/work/utils"
)

// Pad length bounds, in seconds of filler.
const (
	padMinSeconds = 3600
	padMaxSeconds = 10800
)

type mediaState int

const (
	stateScanning mediaState = iota
	stateSkippingSegment
)

// segmentTags describe only the next segment. They are held until its #EXTINF
// decides whether it plays, so a skipped segment takes them along.
var segmentTags = []string{
	"EXT-X-PROGRAM-DATE-TIME",
	"EXT-X-DISCONTINUITY",
	"EXT-X-BYTERANGE",
	"EXT-X-GAP",
	"EXT-X-BITRATE",
}

// segmentKey is the key in effect for the segments that follow an #EXT-X-KEY tag.
type segmentKey struct {
	uri string
	iv  string
}

// mediaFold carries the rewrite state through one forward pass.
type mediaFold struct {
	baseURL   string
	opts      types.StreamOptions
	intervals []types.BreakInterval

	state     mediaState
	clock     float64
	next      int
	skipRun   bool
	key       *segmentKey
	sequence  int64
	segment   int64
	ended     bool
	pendingIn string
	pendingAt string
	held      []string
	carryKey  string

	nominal    string
	nominalDur float64
	lastInf    string
	lastLink   string

	out []string
}

// RewriteMedia rewrites a media playlist so segments and keys are fetched
// through the proxy. Segments whose cumulative end time falls inside a break
// interval are dropped with one #EXT-X-DISCONTINUITY per skipped run. Finished
// playlists may be padded with filler and open playlists may be forced to end.
//
// rng picks the pad length; nil uses the global source.
func RewriteMedia(text, baseURL string, opts types.StreamOptions, intervals []types.BreakInterval, rng *rand.Rand) string {
	f := &mediaFold{
		baseURL:   baseURL,
		opts:      opts,
		intervals: intervals,
		out:       make([]string, 0, 64),
	}

	for _, l := range Tokenize(text) {
		f.step(l)
	}

	return render(f.finish(rng))
}

func (f *mediaFold) step(l Line) {
	switch l.Kind {
	case LineBlank:
		return

	case LineURI:
		if f.state == stateSkippingSegment {
			f.state = stateScanning
			f.segment++
			return
		}
		link := f.segmentLink(utils.ResolveURL(l.Raw, f.baseURL))
		if f.pendingIn != "" && f.pendingAt == f.nominal {
			f.lastInf = f.pendingIn
			f.lastLink = link
		}
		f.pendingIn = ""
		f.segment++
		f.out = append(f.out, link)

	case LineTag:
		f.tag(l)
	}
}

func (f *mediaFold) tag(l Line) {
	// a key carries over to the segments after a skipped one
	if l.Is("EXT-X-KEY") {
		f.keyTag(l)
		return
	}

	// tags between a skipped #EXTINF and its URI belong to the dropped segment
	if f.state == stateSkippingSegment {
		return
	}

	switch {
	case isSegmentTag(l):
		// after a played #EXTINF the tag already has its segment
		if f.pendingIn != "" {
			f.out = append(f.out, l.Raw)
			return
		}
		f.held = append(f.held, l.Raw)

	case l.Is("EXT-X-MEDIA-SEQUENCE"):
		if n, err := strconv.ParseInt(strings.TrimSpace(l.Value), 10, 64); err == nil {
			f.sequence = n
		}
		f.out = append(f.out, l.Raw)

	case l.Is("EXT-X-MAP"):
		if uri := l.Attr("URI"); uri != "" {
			f.out = append(f.out, l.WithAttr("URI", f.segmentLink(utils.ResolveURL(uri, f.baseURL))))
			return
		}
		f.out = append(f.out, l.Raw)

	case l.Is("EXT-X-ENDLIST"):
		f.ended = true

	case l.Is("EXTINF"):
		f.extinf(l)

	default:
		f.out = append(f.out, l.Raw)
	}
}

func (f *mediaFold) keyTag(l Line) {
	attrs := l.Attrs()
	switch attrs["METHOD"] {
	case "AES-128":
		f.key = &segmentKey{
			uri: utils.ResolveURL(attrs["URI"], f.baseURL),
			iv:  attrs["IV"],
		}
	case "NONE":
		f.key = nil
	default:
		if f.state == stateSkippingSegment {
			f.carryKey = l.Raw
			return
		}
		f.out = append(f.out, l.Raw)
	}
}

func isSegmentTag(l Line) bool {
	for _, name := range segmentTags {
		if l.Is(name) {
			return true
		}
	}
	return false
}

// extinf advances the clock and decides whether the segment is played.
func (f *mediaFold) extinf(l Line) {
	dur, text, _ := l.Duration()
	if f.nominal == "" {
		f.nominal = text
		f.nominalDur = dur
	}
	f.clock += dur

	if f.inBreak() {
		f.state = stateSkippingSegment
		f.held = f.held[:0]
		metrics.SkippedSegments.Inc()
		if !f.skipRun {
			f.out = append(f.out, "#EXT-X-DISCONTINUITY")
			f.skipRun = true
		}
		return
	}

	f.skipRun = false
	if f.carryKey != "" {
		f.out = append(f.out, f.carryKey)
		f.carryKey = ""
	}
	f.out = append(f.out, f.held...)
	f.held = f.held[:0]
	f.pendingIn = l.Raw
	f.pendingAt = text
	f.out = append(f.out, l.Raw)
}

// inBreak moves the interval pointer past breaks behind the clock and reports
// whether the clock sits inside the current one.
func (f *mediaFold) inBreak() bool {
	for f.next < len(f.intervals) && f.intervals[f.next].End <= f.clock {
		f.next++
	}
	if f.next == len(f.intervals) {
		return false
	}
	iv := f.intervals[f.next]
	return iv.Start <= f.clock && f.clock < iv.End
}

// segmentLink builds the proxy URL for a segment. .vtt segments go to the
// subtitle endpoint which never decrypts.
func (f *mediaFold) segmentLink(abs string) string {
	if isSubtitle(abs) {
		return proxyLink("vtt", abs, [2]string{types.ParamReferer, f.opts.Referer})
	}

	var key, iv string
	if f.key != nil {
		key = f.key.uri
		iv = f.key.iv
		if iv == "" {
			iv = sequenceIV(f.sequence + f.segment)
		}
	}

	return proxyLink("ts", abs,
		[2]string{types.ParamKey, key},
		[2]string{types.ParamIV, iv},
		[2]string{types.ParamToken, f.opts.Token},
		[2]string{types.ParamReferer, f.opts.Referer},
	)
}

// finish appends the pad and the terminating tag.
func (f *mediaFold) finish(rng *rand.Rand) []string {
	f.out = append(f.out, f.held...)

	switch {
	case f.ended && f.opts.Pad && f.lastLink != "" && f.nominalDur > 0:
		n := PadCount(f.nominalDur, rng)
		for i := 0; i < n; i++ {
			f.out = append(f.out, "#EXT-X-DISCONTINUITY", f.lastInf, f.lastLink)
		}
		f.out = append(f.out, "#EXT-X-ENDLIST")

	case f.ended || f.opts.ForceVOD:
		f.out = append(f.out, "#EXT-X-ENDLIST")
	}

	return f.out
}

// PadCount picks how many filler segments of the given duration make up
// between one and three hours.
func PadCount(segmentDuration float64, rng *rand.Rand) int {
	lo := int(math.Ceil(padMinSeconds / segmentDuration))
	hi := int(math.Floor(padMaxSeconds / segmentDuration))
	if hi < lo {
		hi = lo
	}

	span := hi - lo + 1
	if rng != nil {
		return lo + rng.IntN(span)
	}
	return lo + rand.IntN(span)
}

// sequenceIV is the implicit IV for a segment without an explicit one: its
// media sequence number as a 128-bit big-endian integer.
func sequenceIV(seq int64) string {
	return fmt.Sprintf("0x%032x", seq)
}

func isSubtitle(abs string) bool {
	u, err := url.Parse(abs)
	if err != nil {
		return strings.HasSuffix(strings.ToLower(abs), ".vtt")
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".vtt")
}
