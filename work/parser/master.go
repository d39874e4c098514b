package parser

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/types"
	"github.com/tonywagner/milbserver/work/utils"
)

// widthAlign is the pixel multiple 16:9 variant widths are rounded to.
const widthAlign = 8

// Canonical frame rates advertised by the origin's variants.
const (
	frameRateNormal = "29.97"
	frameRateHigh   = "59.94"
)

var (
	shortResolutionRe = regexp.MustCompile(`^(\d{3,4})p(60)?$`)
	rawResolutionRe   = regexp.MustCompile(`^(\d{3,4})x(\d{3,4})(?:p?(60))?$`)
)

// StreamVariant is one #EXT-X-STREAM-INF entry with its resolved media playlist URL.
type StreamVariant struct {
	URL        string
	Bandwidth  int
	Resolution string
	FrameRate  string
}

// TargetResolution maps a resolution option to the substring a matching
// #EXT-X-STREAM-INF line carries, e.g. "720p60" becomes
// "RESOLUTION=1280x720,FRAME-RATE=59.94". Height-only options assume 16:9.
//
// Parameters:
//   - resolution: user option such as "720p", "540p60" or "1280x720"
//
// Returns:
//   - string: the substring to look for
//   - bool: false for "adaptive" and for options that cannot be understood
func TargetResolution(resolution string) (string, bool) {
	r := strings.ToLower(strings.TrimSpace(resolution))
	if r == "" || r == types.ResolutionAdaptive {
		return "", false
	}

	var width, height int
	fps := frameRateNormal

	if m := shortResolutionRe.FindStringSubmatch(r); m != nil {
		height, _ = strconv.Atoi(m[1])
		width = wideWidth(height)
		if m[2] != "" {
			fps = frameRateHigh
		}
	} else if m := rawResolutionRe.FindStringSubmatch(r); m != nil {
		width, _ = strconv.Atoi(m[1])
		height, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			fps = frameRateHigh
		}
	} else {
		return "", false
	}

	return fmt.Sprintf("RESOLUTION=%dx%d,FRAME-RATE=%s", width, height, fps), true
}

// wideWidth is the 16:9 width of a variant height, e.g. 224 -> 400.
func wideWidth(height int) int {
	return int(math.Round(float64(height)*16/9/widthAlign)) * widthAlign
}

// RewriteMaster rewrites a master playlist so every media playlist it names is
// requested back through the proxy. Trick-play variants and AES-128 session keys
// are removed. Unless the resolution is adaptive, only the first variant matching
// the requested resolution survives. Subtitle renditions stay selectable.
//
// Parameters:
//   - text: raw master playlist
//   - baseURL: URL the playlist was fetched from, for resolving relative URIs
//   - opts: request options, forwarded to the media hop
//
// Returns:
//   - string: rewritten playlist ending with a newline
func RewriteMaster(text, baseURL string, opts types.StreamOptions) string {
	target, selective := TargetResolution(opts.Resolution)
	if !selective && !strings.EqualFold(opts.Resolution, types.ResolutionAdaptive) {
		logger.Warn("{parser/master - RewriteMaster} unknown resolution %q, keeping every variant", opts.Resolution)
	}

	forward := opts.Forward()
	out := make([]string, 0, 32)
	keepURI := false
	matched := false

	for _, l := range Tokenize(text) {
		switch l.Kind {
		case LineBlank:
			continue

		case LineTag:
			switch {
			case l.Is("EXT-X-I-FRAME-STREAM-INF"):
				continue

			case l.Is("EXT-X-SESSION-KEY") && strings.HasPrefix(l.Value, "METHOD=AES-128"):
				continue

			case l.Is("EXT-X-STREAM-INF"):
				keepURI = !selective || (!matched && strings.Contains(l.Raw, target))
				if !keepURI {
					continue
				}
				if selective {
					matched = true
				}
				out = append(out, l.Raw)

			case l.Is("EXT-X-MEDIA") && l.Attr("TYPE") == "SUBTITLES" && l.Attr("URI") != "":
				abs := utils.ResolveURL(l.Attr("URI"), baseURL)
				out = append(out, l.WithAttr("URI", playlistLink(abs, forward)))

			default:
				out = append(out, l.Raw)
			}

		case LineURI:
			if !keepURI {
				continue
			}
			keepURI = false
			out = append(out, playlistLink(utils.ResolveURL(l.Raw, baseURL), forward))
		}
	}

	if selective && !matched {
		logger.Warn("{parser/master - RewriteMaster} no variant matches %s", target)
	}

	return render(out)
}

// ParseVariants extracts every non trick-play variant, sorted by bandwidth with
// the highest first.
//
// Parameters:
//   - text: raw master playlist
//   - baseURL: base URL for resolving relative variant URIs
//
// Returns:
//   - []StreamVariant: parsed variants, empty when none were found
func ParseVariants(text, baseURL string) []StreamVariant {
	var variants []StreamVariant
	var current *StreamVariant

	for _, l := range Tokenize(text) {
		switch {
		case l.Is("EXT-X-STREAM-INF"):
			attrs := l.Attrs()
			bw, _ := strconv.Atoi(attrs["BANDWIDTH"])
			current = &StreamVariant{
				Bandwidth:  bw,
				Resolution: attrs["RESOLUTION"],
				FrameRate:  attrs["FRAME-RATE"],
			}

		case l.Kind == LineURI && current != nil:
			current.URL = utils.ResolveURL(l.Raw, baseURL)
			variants = append(variants, *current)
			current = nil
		}
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	return variants
}
