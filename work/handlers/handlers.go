package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/parser"
	"github.com/tonywagner/milbserver/work/proxy"
	"github.com/tonywagner/milbserver/work/segment"
	"github.com/tonywagner/milbserver/work/statsapi"
	"github.com/tonywagner/milbserver/work/stream"
	"github.com/tonywagner/milbserver/work/types"
	"github.com/tonywagner/milbserver/work/utils"
)

// Query parameters that only the stream endpoint reads.
const (
	ParamTeamID  = "teamId"
	ParamSportID = "sportId"
	ParamSource  = "src"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// errBadRequest marks malformed query parameters.
var errBadRequest = errors.New("bad request")

// statusFor maps a pipeline error onto the response status. Upstream and
// content failures all look like a bad gateway to the player.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, proxy.ErrNoSource):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, statsapi.ErrNoGame), errors.Is(err, stream.ErrNoStream):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// fail logs err and answers with an empty body.
func fail(w http.ResponseWriter, r *http.Request, obfuscate bool, err error) {
	status := statusFor(err)

	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug("{handlers/handlers - fail} client went away: %s", utils.LogURL(obfuscate, r.URL.String()))
	case errors.Is(err, client.ErrFetchFailed), errors.Is(err, parser.ErrInvalidManifest), errors.Is(err, segment.ErrDecryptionFailed):
		logger.Error("{handlers/handlers - fail} %s %s: %v", r.Method, r.URL.Path, err)
	default:
		logger.Warn("{handlers/handlers - fail} %s %s -> %d: %v", r.Method, r.URL.Path, status, err)
	}

	w.WriteHeader(status)
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	io.WriteString(w, body)
}

func options(r *http.Request) (types.StreamOptions, error) {
	opts, err := types.ParseStreamOptions(r.URL.Query())
	if err != nil {
		return opts, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return opts, nil
}

// HandleStream serves /stream.m3u8: the master playlist of a game, a team's
// game of the day or an explicit source URL.
func HandleStream(sp *proxy.StreamProxy, obfuscate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		opts, err := options(r)
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}

		teamID, err := intParam(q.Get(ParamTeamID))
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}
		sportID, err := intParam(q.Get(ParamSportID))
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}

		src, err := sp.ResolveSource(r.Context(), q.Get(ParamSource), opts.GamePk, teamID, sportID)
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}
		opts.GamePk = src.GamePk

		body, err := sp.Master(r.Context(), src.URL, opts)
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}
		writePlaylist(w, body)
	}
}

// HandlePlaylist serves /playlist, the media playlist hop.
func HandlePlaylist(sp *proxy.StreamProxy, obfuscate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get(types.ParamURL)
		if target == "" {
			fail(w, r, obfuscate, fmt.Errorf("%w: missing url", errBadRequest))
			return
		}

		opts, err := options(r)
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}

		body, err := sp.Media(r.Context(), target, opts)
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}
		writePlaylist(w, body)
	}
}

// HandleSegment serves /ts, decrypting when a key is given.
func HandleSegment(sp *proxy.StreamProxy, obfuscate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		target := q.Get(types.ParamURL)
		if target == "" {
			fail(w, r, obfuscate, fmt.Errorf("%w: missing url", errBadRequest))
			return
		}

		data, err := sp.Segment(r.Context(), target, q.Get(types.ParamKey), q.Get(types.ParamIV), q.Get(types.ParamReferer))
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}

		w.Header().Set("Content-Type", segmentContentType(target))
		w.Write(data)
	}
}

// HandleSubtitle serves /vtt. Subtitle segments are never encrypted.
func HandleSubtitle(sp *proxy.StreamProxy, obfuscate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		target := q.Get(types.ParamURL)
		if target == "" {
			fail(w, r, obfuscate, fmt.Errorf("%w: missing url", errBadRequest))
			return
		}

		data, err := sp.Segment(r.Context(), target, "", "", q.Get(types.ParamReferer))
		if err != nil {
			fail(w, r, obfuscate, err)
			return
		}

		w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
		w.Write(data)
	}
}

// segmentContentType guesses from the upstream path
func segmentContentType(target string) string {
	p := target
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	switch strings.ToLower(path.Ext(p)) {
	case ".aac":
		return "audio/aac"
	case ".mp4", ".m4s", ".m4v":
		return "video/mp4"
	case ".m4a":
		return "audio/mp4"
	default:
		return "video/mp2t"
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid number %q", errBadRequest, v)
	}
	return n, nil
}
