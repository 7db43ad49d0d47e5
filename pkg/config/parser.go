package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Default returns the configuration used when no file is given.
func Default() *SystemCfg {
	return &SystemCfg{
		Proxy: proxyCfg{
			BindAddress:       "0.0.0.0",
			Port:              8080,
			Agent:             "fwdproxy",
			ReadHeaderTimeout: 10 * time.Second,
		},
		Origin: originCfg{
			Timeout:             30 * time.Second,
			DialTimeout:         10 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
		Tunnel: tunnelCfg{
			DialTimeout: 10 * time.Second,
			BufferSize:  32 * 1024,
		},
		Cache: cacheCfg{
			Capacity:   100,
			DefaultTTL: 24 * time.Hour,
		},
		Dashboard: dashboardCfg{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8000,
		},
		Log: logCfg{
			Level:  "info",
			Format: "text",
		},
		RateLimit: rateLimitCfg{
			Requests: 100,
			Window:   time.Second,
		},
	}
}

// Load overlays the file at path on the defaults. Files ending in .yaml or .yml
// are read as YAML, everything else as TOML. An empty path returns the defaults.
func Load(path string) (*SystemCfg, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := decodeYAML(path, config); err != nil {
			return nil, err
		}
	default:
		md, err := toml.DecodeFile(path, config)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, undecoded)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decodeYAML(path string, config *SystemCfg) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *SystemCfg) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		invalid("proxy.port %d out of range", c.Proxy.Port)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		invalid("dashboard.port %d out of range", c.Dashboard.Port)
	}
	if c.Cache.Capacity <= 0 {
		invalid("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.DefaultTTL <= 0 {
		invalid("cache.default_ttl must be positive, got %s", c.Cache.DefaultTTL)
	}
	if c.Cache.CleanupInterval < 0 {
		invalid("cache.cleanup_interval must not be negative")
	}
	if c.Tunnel.BufferSize < 0 {
		invalid("tunnel.buffer_size must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		invalid("log.format %q is not text or json", c.Log.Format)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		invalid("rate_limit needs positive requests and window")
	}

	return errors.Join(errs...)
}
