// Package config loads pagedeck settings from YAML files and PAGEDECK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wudi/pagedeck/cache"
	"github.com/wudi/pagedeck/compose"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/zoom"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAGEDECK_"

// Config is the complete runtime configuration.
type Config struct {
	Cache   Cache   `yaml:"cache"`
	Zoom    Zoom    `yaml:"zoom"`
	Render  Render  `yaml:"render"`
	Compose Compose `yaml:"compose"`
	Log     Log     `yaml:"log"`
}

type Cache struct {
	MaxBytes      int64 `yaml:"max_bytes" validate:"gt=0"`
	ThumbCapacity int   `yaml:"thumb_capacity" validate:"gt=0"`
}

type Zoom struct {
	DPIStep   int     `yaml:"dpi_step" validate:"gt=0"`
	MinDPI    int     `yaml:"min_dpi" validate:"gt=0"`
	MaxDPI    int     `yaml:"max_dpi" validate:"gtefield=MinDPI"`
	ScreenDPI float64 `yaml:"screen_dpi" validate:"gt=0"`
	MinScale  float64 `yaml:"min_scale" validate:"gt=0"`
	MaxScale  float64 `yaml:"max_scale" validate:"gtefield=MinScale"`
	Margin    int     `yaml:"margin" validate:"gte=0"`
}

type Render struct {
	Prefetch        bool  `yaml:"prefetch"`
	PrefetchWorkers int64 `yaml:"prefetch_workers" validate:"gte=0"`
	ThumbDPI        int   `yaml:"thumb_dpi" validate:"gt=0"`
	ThumbWidth      int   `yaml:"thumb_width" validate:"gt=0"`
}

type Compose struct {
	MarginRatio float64 `yaml:"margin_ratio" validate:"gte=0,lt=0.5"`
	Workers     int     `yaml:"workers" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in settings.
func Default() Config {
	cc := cache.DefaultConfig()
	zc := zoom.DefaultConfig()
	rc := render.DefaultConfig()
	return Config{
		Cache: Cache{MaxBytes: cc.MaxBytes, ThumbCapacity: cc.ThumbCapacity},
		Zoom: Zoom{
			DPIStep:   zc.Quantizer.Step,
			MinDPI:    zc.Quantizer.Min,
			MaxDPI:    zc.Quantizer.Max,
			ScreenDPI: zc.ScreenDPI,
			MinScale:  zc.MinScale,
			MaxScale:  zc.MaxScale,
			Margin:    zc.Margin,
		},
		Render: Render{
			Prefetch:        rc.Prefetch,
			PrefetchWorkers: rc.PrefetchWorkers,
			ThumbDPI:        64,
			ThumbWidth:      110,
		},
		Compose: Compose{MarginRatio: compose.DefaultMarginRatio},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PAGEDECK_* variables, e.g.
// PAGEDECK_CACHE_MAX_BYTES or PAGEDECK_LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	var errs []error
	setInt := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setInt64 := func(name string, dst *int64) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}

	setInt64("CACHE_MAX_BYTES", &c.Cache.MaxBytes)
	setInt("CACHE_THUMB_CAPACITY", &c.Cache.ThumbCapacity)
	setInt("ZOOM_DPI_STEP", &c.Zoom.DPIStep)
	setInt("ZOOM_MIN_DPI", &c.Zoom.MinDPI)
	setInt("ZOOM_MAX_DPI", &c.Zoom.MaxDPI)
	setFloat("ZOOM_SCREEN_DPI", &c.Zoom.ScreenDPI)
	setInt("ZOOM_MARGIN", &c.Zoom.Margin)
	setBool("RENDER_PREFETCH", &c.Render.Prefetch)
	setInt64("RENDER_PREFETCH_WORKERS", &c.Render.PrefetchWorkers)
	setInt("RENDER_THUMB_DPI", &c.Render.ThumbDPI)
	setInt("RENDER_THUMB_WIDTH", &c.Render.ThumbWidth)
	setFloat("COMPOSE_MARGIN_RATIO", &c.Compose.MarginRatio)
	setInt("COMPOSE_WORKERS", &c.Compose.Workers)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	return errors.Join(errs...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CacheConfig converts to the bitmap cache settings.
func (c Config) CacheConfig() cache.Config {
	return cache.Config{MaxBytes: c.Cache.MaxBytes, ThumbCapacity: c.Cache.ThumbCapacity}
}

// ZoomConfig converts to the zoom engine settings.
func (c Config) ZoomConfig() zoom.Config {
	return zoom.Config{
		Quantizer: zoom.Quantizer{Step: c.Zoom.DPIStep, Min: c.Zoom.MinDPI, Max: c.Zoom.MaxDPI},
		ScreenDPI: c.Zoom.ScreenDPI,
		MinScale:  c.Zoom.MinScale,
		MaxScale:  c.Zoom.MaxScale,
		Margin:    c.Zoom.Margin,
	}
}

// RenderConfig converts to the scheduler settings.
func (c Config) RenderConfig(log observability.Logger, tracer observability.Tracer) render.Config {
	return render.Config{
		Prefetch:        c.Render.Prefetch,
		PrefetchWorkers: c.Render.PrefetchWorkers,
		Logger:          log,
		Tracer:          tracer,
	}
}

// ComposeOptions converts to composer options without overlays.
func (c Config) ComposeOptions(log observability.Logger, tracer observability.Tracer) compose.Options {
	return compose.Options{
		MarginRatio: c.Compose.MarginRatio,
		Workers:     c.Compose.Workers,
		Logger:      log,
		Tracer:      tracer,
	}
}
