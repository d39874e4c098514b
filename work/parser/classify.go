package parser

import "errors"

// ErrInvalidManifest is returned when a fetched body is not an HLS playlist.
// It is structural and never retried.
var ErrInvalidManifest = errors.New("invalid manifest")

// Kind is the classifier verdict for a fetched body.
type Kind int

const (
	KindInvalid Kind = iota
	KindMaster
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindMedia:
		return "media"
	default:
		return "invalid"
	}
}

// Classify decides whether body is a master playlist, a media playlist or
// neither. The first non-blank line must be #EXTM3U. A segment seen before any
// variant means a media playlist was served where a master was expected.
func Classify(body string) Kind {
	return classifyLines(Tokenize(body))
}

func classifyLines(lines []Line) Kind {
	i := 0
	for i < len(lines) && lines[i].Kind == LineBlank {
		i++
	}
	if i == len(lines) || lines[i].Raw != "#EXTM3U" {
		return KindInvalid
	}

	for _, l := range lines[i+1:] {
		switch {
		case l.Is("EXTINF"):
			return KindMedia
		case l.Is("EXT-X-STREAM-INF"):
			return KindMaster
		}
	}

	return KindMedia
}
