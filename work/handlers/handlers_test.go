package handlers

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonywagner/milbserver/work/buffer"
	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/middleware"
	"github.com/tonywagner/milbserver/work/proxy"
	"github.com/tonywagner/milbserver/work/segment"
	"github.com/tonywagner/milbserver/work/stream"
	"github.com/tonywagner/milbserver/work/types"
)

var (
	segmentKey = []byte("0123456789abcdef")
	segmentIV  = []byte("fedcba9876543210")
	clearText  = bytes.Repeat([]byte("G@ transport stream "), 40)
)

func encrypt(t *testing.T, plain []byte) []byte {
	t.Helper()
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(n)}, n)...)

	block, err := aes.NewCipher(segmentKey)
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, segmentIV).CryptBlocks(out, padded)
	return out
}

type noGames struct{}

func (noGames) GameEvents(context.Context, string) ([]types.Play, error) {
	return nil, errors.New("no feed")
}

func (noGames) TeamGame(context.Context, int, int) (string, error) {
	return "", errors.New("no schedule")
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1280x720,FRAME-RATE=59.94\nmedia.m3u8\n")
	})
	mux.HandleFunc("/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x%x\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nsubs.vtt\n", segmentIV)
	})
	mux.HandleFunc("/key.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(segmentKey)
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(encrypt(t, clearText))
	})
	mux.HandleFunc("/subs.vtt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "WEBVTT\n\n00:00.000 --> 00:01.000\nPlay ball\n")
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	})
	mux.HandleFunc("/playback/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"url":"`+"http://"+r.Host+`/master.m3u8"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newServer(t *testing.T, origin string, token string) http.Handler {
	t.Helper()
	fetcher := client.NewFetcher(client.Options{Attempts: 1, Timeout: 5 * time.Second})
	resolver := stream.NewPlaybackResolver(fetcher, origin+"/playback/{gamePk}", stream.StaticToken(token))
	sp := proxy.New(fetcher, segment.NewDecryptor(fetcher, false), noGames{}, resolver, nil, proxy.Options{})

	router := mux.NewRouter()
	router.Use(middleware.Logging(false), middleware.Finalize(buffer.NewPool(0)))
	Register(router, sp, false)
	return router
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// link pulls the first proxy link of the given endpoint out of a playlist.
func link(t *testing.T, body, endpoint string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, endpoint+"?") {
			return "/" + line
		}
	}
	t.Fatalf("no %s link in:\n%s", endpoint, body)
	return ""
}

func TestEndToEnd(t *testing.T) {
	origin := newOrigin(t)
	srv := newServer(t, origin.URL, "secret")

	rec := get(t, srv, "/stream.m3u8?gamePk=745001&resolution=720p60")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))

	rec = get(t, srv, link(t, rec.Body.String(), "playlist"))
	require.Equal(t, http.StatusOK, rec.Code)
	media := rec.Body.String()
	assert.NotContains(t, media, "#EXT-X-KEY")
	assert.Equal(t, strconv.Itoa(len(media)), rec.Header().Get("Content-Length"))

	tsLink := link(t, media, "ts")
	u, err := url.Parse(tsLink)
	require.NoError(t, err)
	assert.Equal(t, origin.URL+"/seg0.ts", u.Query().Get("url"))
	assert.Equal(t, origin.URL+"/key.bin", u.Query().Get("key"))

	rec = get(t, srv, tsLink)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, clearText, rec.Body.Bytes())
	assert.Equal(t, strconv.Itoa(len(clearText)), rec.Header().Get("Content-Length"))
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))

	rec = get(t, srv, link(t, media, "vtt"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "WEBVTT"))
}

func TestStream_SourceURL(t *testing.T) {
	origin := newOrigin(t)
	srv := newServer(t, origin.URL, "")

	rec := get(t, srv, "/stream.m3u8?src="+url.QueryEscape(origin.URL+"/master.m3u8"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "playlist?url=")
}

func TestStatusMapping(t *testing.T) {
	origin := newOrigin(t)
	srv := newServer(t, origin.URL, "")

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"no selector", "/stream.m3u8", http.StatusBadRequest},
		{"bad team", "/stream.m3u8?teamId=abc", http.StatusBadRequest},
		{"bad inning", "/stream.m3u8?src=x&inning_number=-2", http.StatusBadRequest},
		{"missing token", "/stream.m3u8?gamePk=745001", http.StatusUnauthorized},
		{"playlist without url", "/playlist", http.StatusBadRequest},
		{"invalid manifest", "/playlist?url=" + url.QueryEscape(origin.URL+"/garbage"), http.StatusBadGateway},
		{"fetch failed", "/ts?url=" + url.QueryEscape(origin.URL+"/nope.ts"), http.StatusBadGateway},
		{"bad key", "/ts?url=" + url.QueryEscape(origin.URL+"/seg0.ts") + "&key=short", http.StatusBadGateway},
		{"vtt without url", "/vtt", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, tt.target)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			body, _ := io.ReadAll(rec.Body)
			assert.Empty(t, body)
		})
	}
}

func TestSegmentContentType(t *testing.T) {
	assert.Equal(t, "video/mp2t", segmentContentType("https://cdn/a/seg1.ts?token=x"))
	assert.Equal(t, "audio/aac", segmentContentType("https://cdn/a/seg1.AAC"))
	assert.Equal(t, "video/mp4", segmentContentType("https://cdn/a/init.mp4#frag"))
	assert.Equal(t, "video/mp2t", segmentContentType("https://cdn/a/segment"))
}
