package parser

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

// LineKind tags one line of a playlist.
type LineKind int

const (
	LineBlank LineKind = iota
	LineTag
	LineURI
)

// Line is one tokenized playlist line. For tags, Name is the text between
// '#' and the first ':' and Value is everything after it.
type Line struct {
	Kind  LineKind
	Raw   string
	Name  string
	Value string
}

// attributeRe matches KEY=VALUE pairs; quoted values may contain commas.
var attributeRe = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

// Tokenize splits playlist text into tagged lines. Surrounding whitespace and
// carriage returns are trimmed; nothing is dropped.
func Tokenize(text string) []Line {
	raw := strings.Split(text, "\n")
	lines := make([]Line, 0, len(raw))

	for _, r := range raw {
		r = strings.TrimSpace(strings.TrimPrefix(r, "\ufeff"))

		switch {
		case r == "":
			lines = append(lines, Line{Kind: LineBlank})
		case strings.HasPrefix(r, "#"):
			name, value, _ := strings.Cut(r[1:], ":")
			lines = append(lines, Line{Kind: LineTag, Raw: r, Name: name, Value: value})
		default:
			lines = append(lines, Line{Kind: LineURI, Raw: r})
		}
	}

	return lines
}

// Is reports whether the line is the named tag
func (l Line) Is(name string) bool {
	return l.Kind == LineTag && l.Name == name
}

// Attrs parses the attribute list of a tag. Quotes are removed from values.
func (l Line) Attrs() map[string]string {
	attrs := make(map[string]string)
	for _, m := range attributeRe.FindAllStringSubmatch(l.Value, -1) {
		attrs[m[1]] = strings.Trim(m[2], `"`)
	}
	return attrs
}

// Attr returns a single attribute value, or "" when absent.
func (l Line) Attr(key string) string {
	return l.Attrs()[key]
}

// WithAttr returns the raw tag text with one quoted attribute replaced.
func (l Line) WithAttr(key, value string) string {
	re := regexp.MustCompile(regexp.QuoteMeta(key) + `="[^"]*"`)
	return re.ReplaceAllLiteralString(l.Raw, key+`="`+value+`"`)
}

// Duration reads the seconds of an #EXTINF tag along with its literal text.
func (l Line) Duration() (float64, string, bool) {
	if !l.Is("EXTINF") {
		return 0, "", false
	}
	s, _, _ := strings.Cut(l.Value, ",")
	s = strings.TrimSpace(s)
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, s, false
	}
	return d, s, true
}

// render joins output lines and terminates the playlist with a newline.
func render(out []string) string {
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}

// proxyLink builds a relative proxy URL such as "playlist?url=...&skip=breaks".
// The upstream url always comes first; extra parameters follow in the order given.
func proxyLink(endpoint, target string, extra ...[2]string) string {
	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteString("?url=")
	b.WriteString(url.QueryEscape(target))
	for _, kv := range extra {
		if kv[1] == "" {
			continue
		}
		b.WriteByte('&')
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}

// playlistLink points a media playlist back at the proxy carrying the forwarded options.
func playlistLink(target string, forward url.Values) string {
	link := proxyLink("playlist", target)
	if enc := forward.Encode(); enc != "" {
		link += "&" + enc
	}
	return link
}
