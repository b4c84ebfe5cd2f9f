// Package config loads the tilemosaic configuration from defaults, an
// optional YAML file and TILEMOSAIC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/withObsrvr/tilemosaic/internal/planner"
)

// Sentinel validation errors.
var (
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	ErrInvalidRetries     = errors.New("retry attempts must not be negative")
	ErrInvalidBatchSize   = errors.New("batch size must be positive")
	ErrInvalidWorkers     = errors.New("worker count must not be negative")
	ErrInvalidInterval    = errors.New("check interval must be positive")
	ErrInvalidResampling  = errors.New("unknown resampling method")
	ErrInvalidReadiness   = errors.New("unknown readiness policy")
	ErrInvalidURLTemplate = errors.New("url template must contain {x}, {y} and {z}")
	ErrInvalidChunkSize   = errors.New("chunk size must be positive")
)

// Default configuration values.
const (
	DefaultURLTemplate = "https://petadasar.atrbpn.go.id/wms/?d={x}/{y}/{z}/{variant}"
	DefaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultReferer     = "https://petadasar.atrbpn.go.id/"

	defaultZoom          = 20
	defaultVariant       = 2
	defaultBatchSize     = 50
	defaultConcurrency   = 500
	defaultRetryAttempts = 3
	defaultChunkSize     = 16384
	defaultDetailLimit   = 20
	defaultGeorefWorkers = 4
	defaultBlockSize     = 512
	defaultCacheMaxMB    = 2048
)

// Resampling methods accepted by the mosaic step.
var Resamplings = []string{"nearest", "bilinear", "cubic", "lanczos"}

// Readiness policies accepted by the merge coordinator.
var ReadinessPolicies = []string{"complete", "any"}

// Config holds all configuration for a tilemosaic run.
type Config struct {
	WorkDir string        `mapstructure:"work_dir"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Georef  GeorefConfig  `mapstructure:"georef"`
	Merge   MergeConfig   `mapstructure:"merge"`
	Tools   ToolsConfig   `mapstructure:"tools"`
	Storage StorageConfig `mapstructure:"storage"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// FetchConfig configures the tile download stage.
type FetchConfig struct {
	URLTemplate string `mapstructure:"url_template"`
	UserAgent   string `mapstructure:"user_agent"`
	Referer     string `mapstructure:"referer"`
	TileExt     string `mapstructure:"tile_ext"`

	XStart    int `mapstructure:"x_start"`
	XEnd      int `mapstructure:"x_end"`
	YStart    int `mapstructure:"y_start"`
	YEnd      int `mapstructure:"y_end"`
	Zoom      int `mapstructure:"zoom"`
	Variant   int `mapstructure:"variant"`
	BatchSize int `mapstructure:"batch_size"`

	Concurrency    int           `mapstructure:"concurrency"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	DetailLimit    int           `mapstructure:"detail_limit"`
}

// Range returns the configured tile range.
func (f FetchConfig) Range() planner.Range {
	return planner.Range{XStart: f.XStart, XEnd: f.XEnd, YStart: f.YStart, YEnd: f.YEnd}
}

// SetRange overwrites the configured tile range.
func (f *FetchConfig) SetRange(r planner.Range) {
	f.XStart, f.XEnd, f.YStart, f.YEnd = r.XStart, r.XEnd, r.YStart, r.YEnd
}

// GeorefConfig configures the georeference stage.
type GeorefConfig struct {
	Workers int           `mapstructure:"workers"`
	SRS     string        `mapstructure:"srs"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MergeConfig configures mosaic building and the merge coordinator.
type MergeConfig struct {
	Parallel      bool          `mapstructure:"parallel"`
	Workers       int           `mapstructure:"workers"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Readiness     string        `mapstructure:"readiness"`
	Resampling    string        `mapstructure:"resampling"`
	Compress      bool          `mapstructure:"compress"`
	BlockSize     int           `mapstructure:"block_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	OutputName    string        `mapstructure:"output_name"`
}

// EffectiveWorkers returns Workers, or the CPU count when unset.
func (m MergeConfig) EffectiveWorkers() int {
	if m.Workers > 0 {
		return m.Workers
	}
	return runtime.NumCPU()
}

// ToolsConfig locates the GDAL command-line tools.
type ToolsConfig struct {
	BinDir     string `mapstructure:"bin_dir"`
	CacheMaxMB int    `mapstructure:"cache_max_mb"`
}

// StorageConfig configures artifact publishing. An empty URL disables it.
type StorageConfig struct {
	URL    string `mapstructure:"url"` // file:///srv/mosaics, gs://bucket, s3://bucket?region=...
	Prefix string `mapstructure:"prefix"`
}

// NotifyConfig configures merge notifications. Both sinks are optional.
type NotifyConfig struct {
	Dir      string        `mapstructure:"dir"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RawDir holds downloaded tiles, one batch-NNN directory per batch.
func (c *Config) RawDir() string { return filepath.Join(c.WorkDir, "raw") }

// GeorefDir holds georeferenced tiles.
func (c *Config) GeorefDir() string { return filepath.Join(c.WorkDir, "georeferenced") }

// MergedDir holds merged artifacts.
func (c *Config) MergedDir() string { return filepath.Join(c.WorkDir, "merged") }

func (c *Config) FetchProgressPath() string  { return filepath.Join(c.RawDir(), "progress.json") }
func (c *Config) FailedLedgerPath() string   { return filepath.Join(c.RawDir(), "failed_tiles.json") }
func (c *Config) GeorefProgressPath() string { return filepath.Join(c.GeorefDir(), "progress.json") }
func (c *Config) WatchProgressPath() string  { return filepath.Join(c.MergedDir(), "watch_progress.json") }

// Load loads configuration from configPath (optional), the environment and
// defaults, and validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tilemosaic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TILEMOSAIC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in defaults without reading files or the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("work_dir", ".")

	v.SetDefault("fetch.url_template", DefaultURLTemplate)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.referer", DefaultReferer)
	v.SetDefault("fetch.tile_ext", "jpg")
	v.SetDefault("fetch.x_start", 0)
	v.SetDefault("fetch.x_end", 0)
	v.SetDefault("fetch.y_start", 0)
	v.SetDefault("fetch.y_end", 0)
	v.SetDefault("fetch.zoom", defaultZoom)
	v.SetDefault("fetch.variant", defaultVariant)
	v.SetDefault("fetch.batch_size", defaultBatchSize)
	v.SetDefault("fetch.concurrency", defaultConcurrency)
	v.SetDefault("fetch.retry_attempts", defaultRetryAttempts)
	v.SetDefault("fetch.retry_delay", "500ms")
	v.SetDefault("fetch.connect_timeout", "10s")
	v.SetDefault("fetch.read_timeout", "30s")
	v.SetDefault("fetch.chunk_size", defaultChunkSize)
	v.SetDefault("fetch.detail_limit", defaultDetailLimit)

	v.SetDefault("georef.workers", defaultGeorefWorkers)
	v.SetDefault("georef.srs", "EPSG:4326")
	v.SetDefault("georef.timeout", "30s")

	v.SetDefault("merge.parallel", false)
	v.SetDefault("merge.workers", 0)
	v.SetDefault("merge.check_interval", "30s")
	v.SetDefault("merge.readiness", "complete")
	v.SetDefault("merge.resampling", "cubic")
	v.SetDefault("merge.compress", true)
	v.SetDefault("merge.block_size", defaultBlockSize)
	v.SetDefault("merge.timeout", "2h")
	v.SetDefault("merge.output_name", "merged_map")

	v.SetDefault("tools.bin_dir", "")
	v.SetDefault("tools.cache_max_mb", defaultCacheMaxMB)

	v.SetDefault("storage.url", "")
	v.SetDefault("storage.prefix", "mosaics/")

	v.SetDefault("notify.dir", "")
	v.SetDefault("notify.endpoint", "")
	v.SetDefault("notify.timeout", "30s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.namespace", "tilemosaic")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks settings that do not depend on the command being run.
// Tile ranges are validated by the planner when a fetch is planned.
func (c *Config) Validate() error {
	f := c.Fetch
	if f.Concurrency <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, f.Concurrency)
	}
	if f.RetryAttempts < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetries, f.RetryAttempts)
	}
	if f.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, f.BatchSize)
	}
	if f.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, f.ChunkSize)
	}
	for _, p := range []string{"{x}", "{y}", "{z}"} {
		if !strings.Contains(f.URLTemplate, p) {
			return fmt.Errorf("%w: %q", ErrInvalidURLTemplate, f.URLTemplate)
		}
	}

	if c.Georef.Workers < 0 {
		return fmt.Errorf("%w: georef %d", ErrInvalidWorkers, c.Georef.Workers)
	}
	if c.Merge.Workers < 0 {
		return fmt.Errorf("%w: merge %d", ErrInvalidWorkers, c.Merge.Workers)
	}
	if c.Merge.CheckInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, c.Merge.CheckInterval)
	}
	if !slices.Contains(Resamplings, c.Merge.Resampling) {
		return fmt.Errorf("%w: %q", ErrInvalidResampling, c.Merge.Resampling)
	}
	if !slices.Contains(ReadinessPolicies, c.Merge.Readiness) {
		return fmt.Errorf("%w: %q", ErrInvalidReadiness, c.Merge.Readiness)
	}

	return nil
}
