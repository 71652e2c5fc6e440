package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cesargomez89/offtrack/internal/constants"
)

// EnvPrefix is prepended to every environment variable, e.g. OFFTRACK_PORT.
const EnvPrefix = "OFFTRACK"

// Config holds all application configuration
type Config struct {
	Port             string        `mapstructure:"port"`
	DataDir          string        `mapstructure:"data_dir"`
	DBPath           string        `mapstructure:"db_path"`
	ServerURL        string        `mapstructure:"server_url"`
	HealthPath       string        `mapstructure:"health_path"`
	Concurrency      int           `mapstructure:"download_concurrency"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	AutoRetry        bool          `mapstructure:"auto_retry"`
	WriteTags        bool          `mapstructure:"write_tags"`
	CacheLimitMB     int64         `mapstructure:"cache_limit_mb"`
	CacheScope       string        `mapstructure:"cache_scope"`
	ProbeInterval    time.Duration `mapstructure:"connectivity_probe_interval"`
	FailureThreshold int           `mapstructure:"connectivity_failure_threshold"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
}

// DownloadsDir is where completed and partial downloads live.
func (c *Config) DownloadsDir() string {
	return filepath.Join(c.DataDir, constants.DownloadsDirName)
}

// CacheDir is the root of the artwork and song cache.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, constants.CacheDirName)
}

func (c *Config) CacheIndexPath() string {
	return filepath.Join(c.CacheDir(), constants.DefaultCacheIndexFile)
}

// HealthURL is the URL probed by the connectivity monitor.
func (c *Config) HealthURL() string {
	return strings.TrimRight(c.ServerURL, "/") + c.HealthPath
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".offtrack"
	}
	return filepath.Join(home, ".local", "share", "offtrack")
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("port", constants.DefaultPort)
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("server_url", constants.DefaultServerURL)
	v.SetDefault("health_path", constants.DefaultHealthPath)
	v.SetDefault("download_concurrency", constants.DefaultConcurrency)
	v.SetDefault("poll_interval", constants.DefaultPollInterval)
	v.SetDefault("http_timeout", constants.DefaultHTTPTimeout)
	v.SetDefault("stall_timeout", constants.DefaultStallTimeout)
	v.SetDefault("retry_base", constants.DefaultRetryBase)
	v.SetDefault("auto_retry", true)
	v.SetDefault("write_tags", false)
	v.SetDefault("cache_limit_mb", constants.DefaultCacheLimitMB)
	v.SetDefault("cache_scope", constants.DefaultCacheScope)
	v.SetDefault("connectivity_probe_interval", constants.DefaultConnectivityProbe)
	v.SetDefault("connectivity_failure_threshold", constants.DefaultConnectivityFailure)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from an optional YAML file and OFFTRACK_* environment
// variables, falling back to defaults. An empty configFile searches the working
// directory and the user config directory for config.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "offtrack"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, constants.DefaultDBPath)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	return cfg, nil
}

// Validate validates the configuration and returns detailed errors
func (c *Config) Validate() error {
	var errs []string

	// Validate Port
	if c.Port == "" {
		errs = append(errs, "PORT cannot be empty")
	} else {
		port, err := strconv.Atoi(c.Port)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PORT must be a valid number, got: %s", c.Port))
		} else if port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be between 1 and 65535, got: %d", port))
		}
	}

	if c.DataDir == "" {
		errs = append(errs, "DATA_DIR cannot be empty")
	}
	if c.DBPath == "" {
		errs = append(errs, "DB_PATH cannot be empty")
	}

	// Validate ServerURL
	if c.ServerURL == "" {
		errs = append(errs, "SERVER_URL cannot be empty")
	} else if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("SERVER_URL is not a valid http(s) URL: %s", c.ServerURL))
	}

	if !strings.HasPrefix(c.HealthPath, "/") {
		errs = append(errs, fmt.Sprintf("HEALTH_PATH must start with /, got: %s", c.HealthPath))
	}

	if c.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("DOWNLOAD_CONCURRENCY must be at least 1, got: %d", c.Concurrency))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"HTTP_TIMEOUT", c.HTTPTimeout},
		{"STALL_TIMEOUT", c.StallTimeout},
		{"RETRY_BASE", c.RetryBase},
		{"CONNECTIVITY_PROBE_INTERVAL", c.ProbeInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got: %s", d.name, d.value))
		}
	}

	if c.CacheLimitMB < 1 {
		errs = append(errs, fmt.Sprintf("CACHE_LIMIT_MB must be at least 1, got: %d", c.CacheLimitMB))
	}

	if c.CacheScope != constants.CacheScopeShared && c.CacheScope != constants.CacheScopePerKind {
		errs = append(errs, fmt.Sprintf("CACHE_SCOPE must be one of: shared, per_kind, got: %s", c.CacheScope))
	}

	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("CONNECTIVITY_FAILURE_THRESHOLD must be at least 1, got: %d", c.FailureThreshold))
	}

	// Validate LogLevel
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be one of: debug, info, warn, error, got: %s", c.LogLevel))
	}

	// Validate LogFormat
	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be one of: text, json, got: %s", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
