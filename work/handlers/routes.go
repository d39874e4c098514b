package handlers

import (
	"github.com/gorilla/mux"

	"github.com/tonywagner/milbserver/work/proxy"
)

// Register mounts the streaming endpoints on router.
func Register(router *mux.Router, sp *proxy.StreamProxy, obfuscate bool) {
	router.HandleFunc("/stream.m3u8", HandleStream(sp, obfuscate)).Methods("GET", "HEAD", "OPTIONS")
	router.HandleFunc("/playlist", HandlePlaylist(sp, obfuscate)).Methods("GET", "HEAD", "OPTIONS")
	router.HandleFunc("/ts", HandleSegment(sp, obfuscate)).Methods("GET", "HEAD", "OPTIONS")
	router.HandleFunc("/vtt", HandleSubtitle(sp, obfuscate)).Methods("GET", "HEAD", "OPTIONS")
}
