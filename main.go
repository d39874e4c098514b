package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonywagner/milbserver/work/buffer"
	"github.com/tonywagner/milbserver/work/cache"
	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/config"
	"github.com/tonywagner/milbserver/work/database"
	"github.com/tonywagner/milbserver/work/handlers"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/middleware"
	"github.com/tonywagner/milbserver/work/proxy"
	"github.com/tonywagner/milbserver/work/segment"
	"github.com/tonywagner/milbserver/work/statsapi"
	"github.com/tonywagner/milbserver/work/stream"
)

var (
	Version = "v0.1.0" // default version
)

// app holds the long-lived services shared by the streaming and admin routes.
type app struct {
	cfg        *config.Config
	registry   *cache.Registry
	archive    *database.DB
	proxy      *proxy.StreamProxy
	workerPool *ants.Pool
}

// applyLogLevel honours the debug switch over the configured level
func applyLogLevel(cfg *config.Config) {
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
		return
	}
	logger.SetLogLevel(cfg.LogLevel)
}

// writeExampleConfig drops an example config where none exists yet.
func writeExampleConfig() {
	path := os.Getenv("MILB_CONFIG")
	if path == "" {
		path = config.DefaultConfigPath
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return
	}
	if err := config.CreateExampleConfig(path); err != nil {
		logger.Warn("{main - writeExampleConfig} could not write example config to %s: %v", path, err)
		return
	}
	logger.Info("{main - writeExampleConfig} wrote example config to %s", path)
}

// newApp wires the services together. Only the worker pool can fail start-up;
// a broken archive leaves the cache memory-only.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var archive cache.Archive
	if cfg.ArchivePath != "" {
		db, err := database.Open(cfg.ArchivePath)
		if err != nil {
			logger.Warn("{main - newApp} archive disabled: %v", err)
		} else {
			a.archive = db
			archive = db
		}
	}

	a.registry = cache.NewRegistry(cache.Options{
		MaxEntries: cfg.CacheMaxEntries,
		Archive:    archive,
	})

	fetcher := client.NewFetcher(client.OptionsFromConfig(cfg))
	decryptor := segment.NewDecryptor(fetcher, cfg.ObfuscateUrls)
	stats := statsapi.NewClient(fetcher, a.registry, cfg.StatsAPIBase, cfg.SportID, cfg.Location())
	resolver := stream.NewCachedResolver(
		stream.NewPlaybackResolver(fetcher, cfg.PlaybackURL, stream.StaticToken(cfg.AccessToken)),
		a.registry,
	)

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	a.workerPool = workerPool

	a.proxy = proxy.New(fetcher, decryptor, stats, resolver, workerPool, proxy.Options{
		ScratchTTL: cfg.ScratchTTL,
		Obfuscate:  cfg.ObfuscateUrls,
	})

	return a, nil
}

// router builds every route behind the response finalizer.
func (a *app) router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Logging(a.cfg.ObfuscateUrls), middleware.Finalize(buffer.NewPool(64*1024)))

	handlers.Register(router, a.proxy, a.cfg.ObfuscateUrls)

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, a)

	return router
}

func (a *app) close() {
	if a.workerPool != nil {
		a.workerPool.Release()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logger.Warn("{main - close} closing archive: %v", err)
		}
	}
}

// our main app worker
func main() {
	writeExampleConfig()

	// load our config
	cfg := config.LoadConfig()
	applyLogLevel(cfg)

	a, err := newApp(cfg)
	if err != nil {
		logger.Error("{main - main} %v", err)
		os.Exit(1)
	}
	defer a.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting milbserver %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Port: %d", cfg.Port)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Fetch Retries: %d every %s", cfg.FetchRetries, cfg.FetchRetryDelay)
	logger.Info("  - Cache Entries: %d per namespace", cfg.CacheMaxEntries)
	logger.Info("  - Archive: %v", a.archive != nil)
	logger.Info("  - Timezone: %s", cfg.Timezone)
	logger.Info("  - Log Level: %s", logger.GetLogLevel())
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("{main - main} shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("{main - main} shutdown: %v", err)
		}
	}()

	// fire us up
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("{main - main} server failed: %v", err)
		a.close()
		os.Exit(1)
	}
}
