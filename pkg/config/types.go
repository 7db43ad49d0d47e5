package config

import (
	"net"
	"strconv"
	"time"
)

type proxyCfg struct {
	BindAddress       string        `toml:"bind_address" yaml:"bind_address"`
	Port              int           `toml:"port" yaml:"port"`
	Agent             string        `toml:"agent" yaml:"agent"`
	Coalesce          bool          `toml:"coalesce" yaml:"coalesce"`
	Streaming         bool          `toml:"streaming" yaml:"streaming"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout" yaml:"read_header_timeout"`
}

type originCfg struct {
	Timeout             time.Duration `toml:"timeout" yaml:"timeout"`
	DialTimeout         time.Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	MaxIdleConns        int           `toml:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `toml:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `toml:"idle_conn_timeout" yaml:"idle_conn_timeout"`
}

type tunnelCfg struct {
	DialTimeout        time.Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	IdleTimeout        time.Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	UpstreamTLS        bool          `toml:"upstream_tls" yaml:"upstream_tls"`
	InsecureSkipVerify bool          `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	BufferSize         int           `toml:"buffer_size" yaml:"buffer_size"`
}

type cacheCfg struct {
	Capacity        int           `toml:"capacity" yaml:"capacity"`
	DefaultTTL      time.Duration `toml:"default_ttl" yaml:"default_ttl"`
	CleanupInterval time.Duration `toml:"cleanup_interval" yaml:"cleanup_interval"`
}

type dashboardCfg struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	BindAddress string `toml:"bind_address" yaml:"bind_address"`
	Port        int    `toml:"port" yaml:"port"`
}

type logCfg struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type rateLimitCfg struct {
	Enabled  bool          `toml:"enabled" yaml:"enabled"`
	Requests int           `toml:"requests" yaml:"requests"`
	Window   time.Duration `toml:"window" yaml:"window"`
}

type SystemCfg struct {
	Proxy     proxyCfg     `toml:"proxy" yaml:"proxy"`
	Origin    originCfg    `toml:"origin" yaml:"origin"`
	Tunnel    tunnelCfg    `toml:"tunnel" yaml:"tunnel"`
	Cache     cacheCfg     `toml:"cache" yaml:"cache"`
	Dashboard dashboardCfg `toml:"dashboard" yaml:"dashboard"`
	Log       logCfg       `toml:"log" yaml:"log"`
	RateLimit rateLimitCfg `toml:"rate_limit" yaml:"rate_limit"`
}

// ProxyAddr is the listen address of the proxy socket.
func (c *SystemCfg) ProxyAddr() string {
	return net.JoinHostPort(c.Proxy.BindAddress, strconv.Itoa(c.Proxy.Port))
}

// DashboardAddr is the listen address of the status dashboard.
func (c *SystemCfg) DashboardAddr() string {
	return net.JoinHostPort(c.Dashboard.BindAddress, strconv.Itoa(c.Dashboard.Port))
}
