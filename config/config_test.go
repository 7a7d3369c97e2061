package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pagedeck/cache"
	"github.com/wudi/pagedeck/zoom"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if diff := cmp.Diff(cache.DefaultConfig(), c.CacheConfig()); diff != "" {
		t.Fatalf("cache config (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(zoom.DefaultConfig(), c.ZoomConfig()); diff != "" {
		t.Fatalf("zoom config (-want +got):\n%s", diff)
	}
	if c.Render.ThumbDPI != 64 || c.Render.ThumbWidth != 110 || c.Compose.MarginRatio != 0.05 {
		t.Fatalf("unexpected defaults: %+v %+v", c.Render, c.Compose)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagedeck.yaml")
	data := "cache:\n  max_bytes: 1048576\nzoom:\n  max_dpi: 300\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	want.Cache.MaxBytes = 1 << 20
	want.Zoom.MaxDPI = 300
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: got %v", err)
	}
	if err := os.WriteFile(path, []byte("cache: [not, a, map]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PAGEDECK_CACHE_THUMB_CAPACITY", "12")
	t.Setenv("PAGEDECK_RENDER_PREFETCH", "false")
	t.Setenv("PAGEDECK_COMPOSE_MARGIN_RATIO", "0.1")
	t.Setenv("PAGEDECK_LOG_FORMAT", " JSON ")
	c := Default()
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if c.Cache.ThumbCapacity != 12 || c.Render.Prefetch || c.Compose.MarginRatio != 0.1 || c.Log.Format != "json" {
		t.Fatalf("env not applied: %+v", c)
	}

	t.Setenv("PAGEDECK_ZOOM_MIN_DPI", "lots")
	if err := c.ApplyEnv(); err == nil {
		t.Fatalf("bad integer accepted")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero cache":       func(c *Config) { c.Cache.MaxBytes = 0 },
		"inverted dpi":     func(c *Config) { c.Zoom.MaxDPI = c.Zoom.MinDPI - 1 },
		"huge margin":      func(c *Config) { c.Compose.MarginRatio = 0.5 },
		"unknown level":    func(c *Config) { c.Log.Level = "chatty" },
		"negative workers": func(c *Config) { c.Render.PrefetchWorkers = -1 },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}
