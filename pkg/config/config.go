// Package config loads viewer deployment settings from a YAML file.
// Fields absent from the file keep their defaults, so partial configs
// are safe to ship.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API       API       `yaml:"api"`
	Basemap   Basemap   `yaml:"basemap"`
	Window    Window    `yaml:"window"`
	Cluster   Cluster   `yaml:"cluster"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
	Snapshots Snapshots `yaml:"snapshots"`
	Audio     Audio     `yaml:"audio"`
}

type API struct {
	BaseURL string `yaml:"base_url"`
	Live    bool   `yaml:"live"`
	// FitDebounce is a duration string like "180ms".
	FitDebounce string `yaml:"fit_debounce"`
}

type Basemap struct {
	TileURL  string `yaml:"tile_url"`
	CacheDir string `yaml:"cache_dir"`
}

type Window struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

type Cluster struct {
	Radius    int `yaml:"radius"`
	MinPoints int `yaml:"min_points"`
	MaxZoom   int `yaml:"max_zoom"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Metrics struct {
	// Listen is the address for the Prometheus endpoint. Empty
	// disables it.
	Listen string `yaml:"listen"`
}

type Snapshots struct {
	Path string `yaml:"path"`
}

type Audio struct {
	// Soundtrack is an MP3 path played on loop. Empty disables it.
	Soundtrack string `yaml:"soundtrack"`
}

func Default() Config {
	return Config{
		API: API{
			BaseURL:     "http://localhost:8080",
			FitDebounce: "180ms",
		},
		Basemap: Basemap{
			TileURL:  "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			CacheDir: "basemap-cache",
		},
		Window: Window{
			Width:  1280,
			Height: 800,
			FPS:    60,
		},
		Cluster: Cluster{
			Radius:    40,
			MinPoints: 2,
			MaxZoom:   16,
		},
		Log:       Log{Level: "info"},
		Snapshots: Snapshots{Path: "snapshots.db"},
	}
}

// Load reads a YAML config over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.API.FitDebounce != "" {
		if _, err := time.ParseDuration(c.API.FitDebounce); err != nil {
			return fmt.Errorf("invalid api.fit_debounce %q: %w", c.API.FitDebounce, err)
		}
	}
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return fmt.Errorf("window size must be positive, got %dx%d", c.Window.Width, c.Window.Height)
	}
	if c.Cluster.Radius <= 0 {
		return fmt.Errorf("cluster.radius must be positive, got %d", c.Cluster.Radius)
	}
	if c.Cluster.MinPoints < 2 {
		return fmt.Errorf("cluster.min_points must be at least 2, got %d", c.Cluster.MinPoints)
	}
	return nil
}

// FitDebounce returns the parsed debounce interval, defaulting to
// 180ms when unset.
func (c Config) FitDebounce() time.Duration {
	if c.API.FitDebounce == "" {
		return 180 * time.Millisecond
	}
	d, err := time.ParseDuration(c.API.FitDebounce)
	if err != nil {
		return 180 * time.Millisecond
	}
	return d
}
