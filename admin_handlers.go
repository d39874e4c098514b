package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"github.com/tonywagner/milbserver/work/cache"
	"github.com/tonywagner/milbserver/work/config"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/proxy"
	"github.com/tonywagner/milbserver/work/skip"
	"github.com/tonywagner/milbserver/work/statsapi"
	"github.com/tonywagner/milbserver/work/stream"
	"github.com/tonywagner/milbserver/work/types"
	"github.com/tonywagner/milbserver/work/utils"
)

// StatsResponse is the process overview served by the admin API.
type StatsResponse struct {
	Version        string                 `json:"version"`
	Uptime         string                 `json:"uptime"`
	MemoryUsage    string                 `json:"memoryUsage"`
	TotalAllocated string                 `json:"totalAllocated"`
	Goroutines     int                    `json:"goroutines"`
	WorkerThreads  int                    `json:"workerThreads"`
	RunningWorkers int                    `json:"runningWorkers"`
	LogLevel       string                 `json:"logLevel"`
	Cache          []cache.NamespaceStats `json:"cache"`
	ArchiveEnabled bool                   `json:"archiveEnabled"`
}

// CacheResponse lists the cache namespaces and what the archive holds.
type CacheResponse struct {
	Namespaces []cache.NamespaceStats `json:"namespaces"`
	Archived   map[string]int         `json:"archived,omitempty"`
}

// SkipResponse is the break interval diagnostic of one game.
type SkipResponse struct {
	GamePk       string                `json:"gamePk"`
	Policy       types.SkipPolicy      `json:"policy"`
	InningHalf   types.InningHalf      `json:"inningHalf"`
	InningNumber int                   `json:"inningNumber"`
	Adjust       int                   `json:"adjust"`
	Intervals    []types.BreakInterval `json:"intervals"`
	TotalSeconds float64               `json:"totalSeconds"`
}

var (
	// adminStartTime records process start for the uptime report
	adminStartTime = time.Now()
)

// setupAdminRoutes mounts the admin API.
func setupAdminRoutes(router *mux.Router, a *app) {
	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/stats", handleGetStats(a)).Methods("GET")
	admin.HandleFunc("/cache", handleGetCache(a)).Methods("GET")
	admin.HandleFunc("/cache/clear", handleClearCache(a)).Methods("POST")
	admin.HandleFunc("/archive/vacuum", handleVacuumArchive(a)).Methods("POST")
	admin.HandleFunc("/skip/{gamePk:[0-9]+}", handleGetSkip(a)).Methods("GET")
	admin.HandleFunc("/config/reload", handleReloadConfig).Methods("POST")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin_handlers - writeJSON} failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}

// handleGetStats reports uptime, memory and cache usage.
func handleGetStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		stats := StatsResponse{
			Version:        Version,
			Uptime:         formatDuration(time.Since(adminStartTime)),
			MemoryUsage:    utils.FormatBytes(int64(m.Alloc)),
			TotalAllocated: utils.FormatBytes(int64(m.TotalAlloc)),
			Goroutines:     runtime.NumGoroutine(),
			WorkerThreads:  a.cfg.WorkerThreads,
			LogLevel:       logger.GetLogLevel(),
			Cache:          a.registry.Stats(),
			ArchiveEnabled: a.archive != nil,
		}
		if a.workerPool != nil {
			stats.RunningWorkers = a.workerPool.Running()
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func handleGetCache(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := CacheResponse{Namespaces: a.registry.Stats()}

		if a.archive != nil {
			counts, err := a.archive.Count()
			if err != nil {
				logger.Warn("{admin_handlers - handleGetCache} counting archive: %v", err)
			} else {
				resp.Archived = counts
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// handleClearCache empties the namespace named by ?namespace=, or every
// namespace when it is omitted. Archived history goes with it.
func handleClearCache(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("namespace")

		if !a.registry.Clear(name) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown namespace %q", name))
			return
		}

		if name == "" {
			logger.Info("{admin_handlers - handleClearCache} cleared all cache namespaces")
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleVacuumArchive(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.archive == nil {
			writeJSONError(w, http.StatusNotFound, "archive disabled")
			return
		}
		if err := a.archive.Vacuum(); err != nil {
			logger.Error("{admin_handlers - handleVacuumArchive} %v", err)
			writeJSONError(w, http.StatusInternalServerError, "vacuum failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// handleGetSkip computes a game's break intervals with the stream options
// given in the query. Without a skip policy or inning filter it reports the
// breaks policy.
func handleGetSkip(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := types.ParseStreamOptions(r.URL.Query())
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.GamePk = mux.Vars(r)["gamePk"]
		if opts.Skip == types.SkipOff && opts.InningNumber == 0 {
			opts.Skip = types.SkipBreaks
		}

		res, err := a.proxy.SkipReport(r.Context(), opts)
		if err != nil {
			writeJSONError(w, skipStatus(err), err.Error())
			return
		}

		intervals := res.Intervals
		if intervals == nil {
			intervals = []types.BreakInterval{}
		}

		writeJSON(w, http.StatusOK, SkipResponse{
			GamePk:       opts.GamePk,
			Policy:       opts.Skip,
			InningHalf:   opts.InningHalf,
			InningNumber: opts.InningNumber,
			Adjust:       opts.SkipAdjust,
			Intervals:    intervals,
			TotalSeconds: res.Total,
		})
	}
}

func skipStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, skip.ErrMissingGameData), errors.Is(err, stream.ErrNoStream), errors.Is(err, statsapi.ErrNoGame):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrNoSource):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// handleReloadConfig rereads the config file and applies the log level. Other
// settings take effect on restart.
func handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	config.ClearConfigCache()
	cfg := config.LoadConfig()
	applyLogLevel(cfg)

	logger.Info("{admin_handlers - handleReloadConfig} config reloaded, log level %s", logger.GetLogLevel())
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "logLevel": logger.GetLogLevel()})
}

// formatDuration renders an uptime compactly
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
