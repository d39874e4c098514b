package parser

import (
	"errors"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/utils"
)

// ErrNoProgramDateTime is returned when a media playlist carries no wall-clock anchor.
var ErrNoProgramDateTime = errors.New("no program date time")

// programDateTimeLayouts covers the offsets seen in the wild; the origin
// sometimes omits the colon in the zone offset.
var programDateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
}

// HighestVariant returns the absolute URL of the highest-bandwidth variant of a
// master playlist. It tries the grafov decoder first and falls back to the
// line scanner for playlists the decoder rejects.
func HighestVariant(text, baseURL string) (string, bool) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err == nil && listType == m3u8.MASTER {
		master := playlist.(*m3u8.MasterPlaylist)

		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil || v.Iframe || v.URI == "" {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best != nil {
			return utils.ResolveURL(best.URI, baseURL), true
		}
	}

	if err != nil {
		logger.Debug("{parser/m3u8 - HighestVariant} grafov parser failed, using fallback: %v", err)
	}

	variants := ParseVariants(text, baseURL)
	if len(variants) == 0 {
		return "", false
	}
	return variants[0].URL, true
}

// ProgramDateTime returns the first #EXT-X-PROGRAM-DATE-TIME of a media
// playlist, which anchors segment offsets to wall-clock time.
func ProgramDateTime(text string) (time.Time, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err == nil && listType == m3u8.MEDIA {
		media := playlist.(*m3u8.MediaPlaylist)
		for _, seg := range media.Segments {
			if seg == nil {
				break
			}
			if !seg.ProgramDateTime.IsZero() {
				return seg.ProgramDateTime, nil
			}
		}
	}

	if err != nil {
		logger.Debug("{parser/m3u8 - ProgramDateTime} grafov parser failed, using fallback: %v", err)
	}

	return scanProgramDateTime(text)
}

// scanProgramDateTime is the fallback for playlists grafov will not decode.
func scanProgramDateTime(text string) (time.Time, error) {
	for _, l := range Tokenize(text) {
		if !l.Is("EXT-X-PROGRAM-DATE-TIME") {
			continue
		}
		value := strings.TrimSpace(l.Value)
		for _, layout := range programDateTimeLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
		}
		logger.Warn("{parser/m3u8 - scanProgramDateTime} unparseable program date time %q", value)
	}

	return time.Time{}, ErrNoProgramDateTime
}
