package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// DefaultConfigPath is where the proxy looks for its settings unless MILB_CONFIG says otherwise.
const DefaultConfigPath = "/settings/config.json"

// Config holds all application configuration values for the streaming proxy.
// It includes origin request headers, fetch retry policy, cache sizing and the
// collaborator endpoints used to resolve games into stream URLs.
type Config struct {
	Port            int           `json:"port"`            // Listen port for the HTTP server
	BaseURL         string        `json:"baseURL"`         // Externally visible base URL (used in logs and admin output)
	Debug           bool          `json:"debug"`           // Enable debug logging
	LogLevel        string        `json:"logLevel"`        // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls   bool          `json:"obfuscateUrls"`   // Obfuscate URLs in logs
	UserAgent       string        `json:"userAgent"`       // Default User-Agent for origin requests
	ReqOrigin       string        `json:"reqOrigin"`       // Default Origin header for origin requests
	ReqReferrer     string        `json:"reqReferrer"`     // Default Referer header for origin requests
	FetchRetries    int           `json:"fetchRetries"`    // Total attempts per outbound fetch
	FetchRetryDelay time.Duration `json:"fetchRetryDelay"` // Fixed delay between attempts
	RequestTimeout  time.Duration `json:"requestTimeout"`  // Per-attempt timeout for outbound fetches
	RateLimit       int           `json:"rateLimit"`       // Outbound requests per second, 0 disables throttling
	WorkerThreads   int           `json:"workerThreads"`   // Size of the background worker pool
	CacheMaxEntries int           `json:"cacheMaxEntries"` // Maximum entries per cache namespace
	ArchivePath     string        `json:"archivePath"`     // SQLite file for immutable history, empty disables it
	StatsAPIBase    string        `json:"statsApiBase"`    // Base URL of the stats API (schedule, play-by-play)
	SportID         int           `json:"sportId"`         // Default level used for team lookups
	Timezone        string        `json:"timezone"`        // Zone that defines "today" for schedule expiry
	PlaybackURL     string        `json:"playbackURL"`     // Template with {gamePk} returning the stream URL
	AccessToken     string        `json:"accessToken"`     // Bearer token handed to the playback service
	ScratchTTL      time.Duration `json:"scratchTTL"`      // Lifetime of computed break intervals
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "1s") are parsed into time.Duration values.
type ConfigFile struct {
	Port            int    `json:"port"`
	BaseURL         string `json:"baseURL"`
	Debug           bool   `json:"debug"`
	LogLevel        string `json:"logLevel"`
	ObfuscateUrls   bool   `json:"obfuscateUrls"`
	UserAgent       string `json:"userAgent"`
	ReqOrigin       string `json:"reqOrigin"`
	ReqReferrer     string `json:"reqReferrer"`
	FetchRetries    int    `json:"fetchRetries"`
	FetchRetryDelay string `json:"fetchRetryDelay"` // Duration as string (e.g., "1s")
	RequestTimeout  string `json:"requestTimeout"`  // Duration as string (e.g., "30s")
	RateLimit       int    `json:"rateLimit"`
	WorkerThreads   int    `json:"workerThreads"`
	CacheMaxEntries int    `json:"cacheMaxEntries"`
	ArchivePath     string `json:"archivePath"`
	StatsAPIBase    string `json:"statsApiBase"`
	SportID         int    `json:"sportId"`
	Timezone        string `json:"timezone"`
	PlaybackURL     string `json:"playbackURL"`
	AccessToken     string `json:"accessToken"`
	ScratchTTL      string `json:"scratchTTL"` // Duration as string (e.g., "6h")
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from MILB_CONFIG or `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Applies `.env` and MILB_* environment overrides.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	// .env is optional, a missing file only means the process env is used as is
	_ = godotenv.Load()

	configPath := os.Getenv("MILB_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := LoadFrom(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		applyEnv(config)
		validateAndSetDefaults(config)
	}

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Port: %d", config.Port)
		log.Printf("  Stats API: %s", config.StatsAPIBase)
		log.Printf("  Fetch retries: %d every %s", config.FetchRetries, config.FetchRetryDelay)
		log.Printf("  Archive: %s", config.ArchivePath)
		log.Printf("  Obfuscate URLs: %v", config.ObfuscateUrls)
	}

	return config
}

// LoadFrom reads, converts, overlays the environment and validates a config file
// without touching the cached singleton.
func LoadFrom(path string) (*Config, error) {
	config, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyEnv(config)
	validateAndSetDefaults(config)
	return config, nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		Port:            cf.Port,
		BaseURL:         cf.BaseURL,
		Debug:           cf.Debug,
		LogLevel:        cf.LogLevel,
		ObfuscateUrls:   cf.ObfuscateUrls,
		UserAgent:       cf.UserAgent,
		ReqOrigin:       cf.ReqOrigin,
		ReqReferrer:     cf.ReqReferrer,
		FetchRetries:    cf.FetchRetries,
		RateLimit:       cf.RateLimit,
		WorkerThreads:   cf.WorkerThreads,
		CacheMaxEntries: cf.CacheMaxEntries,
		ArchivePath:     cf.ArchivePath,
		StatsAPIBase:    cf.StatsAPIBase,
		SportID:         cf.SportID,
		Timezone:        cf.Timezone,
		PlaybackURL:     cf.PlaybackURL,
		AccessToken:     cf.AccessToken,
	}

	var err error
	if config.FetchRetryDelay, err = parseOptionalDuration(cf.FetchRetryDelay); err != nil {
		return nil, fmt.Errorf("invalid fetchRetryDelay: %w", err)
	}
	if config.RequestTimeout, err = parseOptionalDuration(cf.RequestTimeout); err != nil {
		return nil, fmt.Errorf("invalid requestTimeout: %w", err)
	}
	if config.ScratchTTL, err = parseOptionalDuration(cf.ScratchTTL); err != nil {
		return nil, fmt.Errorf("invalid scratchTTL: %w", err)
	}

	return config, nil
}

// parseOptionalDuration treats an empty string as "unset" so defaults can fill it in
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// applyEnv overlays MILB_* environment variables on top of file values.
func applyEnv(config *Config) {
	if v := os.Getenv("MILB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Port = port
		}
	}
	if v := os.Getenv("MILB_BASE_URL"); v != "" {
		config.BaseURL = v
	}
	if v := os.Getenv("MILB_DEBUG"); v != "" {
		config.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MILB_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("MILB_ACCESS_TOKEN"); v != "" {
		config.AccessToken = v
	}
	if v, ok := os.LookupEnv("MILB_ARCHIVE_PATH"); ok {
		config.ArchivePath = v
	}
	if v := os.Getenv("MILB_STATS_API"); v != "" {
		config.StatsAPIBase = v
	}
	if v := os.Getenv("MILB_PLAYBACK_URL"); v != "" {
		config.PlaybackURL = v
	}
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		Port:            9999,
		BaseURL:         "http://localhost:9999",
		Debug:           false,
		LogLevel:        "INFO",
		ObfuscateUrls:   false,
		UserAgent:       DefaultUserAgent,
		ReqOrigin:       DefaultOrigin,
		ReqReferrer:     DefaultReferrer,
		FetchRetries:    2,
		FetchRetryDelay: time.Second,
		RequestTimeout:  30 * time.Second,
		RateLimit:       20,
		WorkerThreads:   8,
		CacheMaxEntries: 10000,
		ArchivePath:     "/settings/archive.db",
		StatsAPIBase:    "https://statsapi.mlb.com",
		SportID:         11,
		Timezone:        "America/New_York",
		ScratchTTL:      6 * time.Hour,
	}
}

// Origin headers sent with every outbound request unless overridden per call.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0"
	DefaultOrigin    = "https://www.milb.com"
	DefaultReferrer  = "https://www.milb.com/"
)

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	defaults := getDefaultConfig()

	if config.Port <= 0 || config.Port > 65535 {
		config.Port = defaults.Port
	}
	if config.BaseURL == "" {
		config.BaseURL = fmt.Sprintf("http://localhost:%d", config.Port)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.ReqOrigin == "" {
		config.ReqOrigin = defaults.ReqOrigin
	}
	if config.ReqReferrer == "" {
		config.ReqReferrer = defaults.ReqReferrer
	}
	if config.FetchRetries <= 0 {
		config.FetchRetries = defaults.FetchRetries
	}
	if config.FetchRetryDelay <= 0 {
		config.FetchRetryDelay = defaults.FetchRetryDelay
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.RateLimit < 0 {
		config.RateLimit = 0
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = defaults.WorkerThreads
	}
	if config.CacheMaxEntries <= 0 {
		config.CacheMaxEntries = defaults.CacheMaxEntries
	}
	if config.StatsAPIBase == "" {
		config.StatsAPIBase = defaults.StatsAPIBase
	}
	config.StatsAPIBase = strings.TrimRight(config.StatsAPIBase, "/")
	if config.SportID <= 0 {
		config.SportID = defaults.SportID
	}
	if config.Timezone == "" {
		config.Timezone = defaults.Timezone
	}
	if _, err := time.LoadLocation(config.Timezone); err != nil {
		log.Printf("Unknown timezone %q, using UTC", config.Timezone)
		config.Timezone = "UTC"
	}
	if config.ScratchTTL <= 0 {
		config.ScratchTTL = defaults.ScratchTTL
	}
}

// Location returns the zone used to decide what "today" means.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CreateExampleConfig writes an example config file to disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		Port:            9999,
		BaseURL:         "http://localhost:9999",
		LogLevel:        "INFO",
		ObfuscateUrls:   true,
		FetchRetries:    2,
		FetchRetryDelay: "1s",
		RequestTimeout:  "30s",
		RateLimit:       20,
		WorkerThreads:   8,
		CacheMaxEntries: 10000,
		ArchivePath:     "/settings/archive.db",
		StatsAPIBase:    "https://statsapi.mlb.com",
		SportID:         11,
		Timezone:        "America/New_York",
		PlaybackURL:     "https://playback.example.com/stream/{gamePk}",
		ScratchTTL:      "6h",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
