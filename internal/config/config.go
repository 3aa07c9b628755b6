package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "POCKETSHARE_"

const (
	defaultProxyPort        = 8080
	defaultSharePortStart   = 50000
	defaultSharePortEnd     = 65000
	defaultDataDirName      = ".pocket-file-sharing"
	defaultDomain           = "pocketfileshare.com"
	defaultTunnelBinary     = "cloudflared"
	defaultTunnelDirName    = ".cloudflared"
	defaultBindAttempts     = 10
	defaultReadyConnections = 1
	defaultReadyTimeout     = 45 * time.Second
	defaultStopGrace        = 5 * time.Second
)

// Config is the runtime configuration of the share service.
type Config struct {
	ProxyHost         string
	ProxyPort         int
	ProxyBindAttempts int

	SharePortStart int
	SharePortEnd   int
	DataDir        string
	Domain         string
	FreshStart     bool

	TunnelID               string
	TunnelBinary           string
	TunnelConfigDir        string
	TunnelReadyTimeout     time.Duration
	TunnelStopGrace        time.Duration
	TunnelReadyConnections int

	LogLevel    string
	LogFormat   string
	PprofListen string
}

// FromEnv returns defaults overridden by POCKETSHARE_* environment variables.
func FromEnv() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		ProxyHost:              envOrDefault("PROXY_HOST", ""),
		ProxyPort:              envIntOrDefault("PROXY_PORT", defaultProxyPort),
		ProxyBindAttempts:      envIntOrDefault("PROXY_BIND_ATTEMPTS", defaultBindAttempts),
		SharePortStart:         envIntOrDefault("SHARE_PORT_START", defaultSharePortStart),
		SharePortEnd:           envIntOrDefault("SHARE_PORT_END", defaultSharePortEnd),
		DataDir:                envOrDefault("DATA_DIR", filepath.Join(home, defaultDataDirName)),
		Domain:                 envOrDefault("DOMAIN", defaultDomain),
		FreshStart:             envBoolOrDefault("FRESH_START", false),
		TunnelID:               envOrDefault("TUNNEL_ID", ""),
		TunnelBinary:           envOrDefault("TUNNEL_BINARY", defaultTunnelBinary),
		TunnelConfigDir:        envOrDefault("TUNNEL_CONFIG_DIR", filepath.Join(home, defaultTunnelDirName)),
		TunnelReadyTimeout:     envDurationOrDefault("TUNNEL_READY_TIMEOUT", defaultReadyTimeout),
		TunnelStopGrace:        envDurationOrDefault("TUNNEL_STOP_GRACE", defaultStopGrace),
		TunnelReadyConnections: envIntOrDefault("TUNNEL_READY_CONNECTIONS", defaultReadyConnections),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("LOG_FORMAT", "text"),
		PprofListen:            envOrDefault("PPROF_LISTEN", ""),
	}
}

// BindFlags registers a flag for every field, defaulting to the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ProxyHost, "proxy-host", c.ProxyHost, "Proxy listen host (empty for all interfaces)")
	fs.IntVar(&c.ProxyPort, "proxy-port", c.ProxyPort, "Proxy listen port")
	fs.IntVar(&c.ProxyBindAttempts, "proxy-bind-attempts", c.ProxyBindAttempts, "Consecutive proxy ports tried when busy")
	fs.IntVar(&c.SharePortStart, "share-port-start", c.SharePortStart, "First port allocated to shares")
	fs.IntVar(&c.SharePortEnd, "share-port-end", c.SharePortEnd, "Last port allocated to shares")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory holding the share registry")
	fs.StringVar(&c.Domain, "domain", c.Domain, "Public base domain for share subdomains")
	fs.BoolVar(&c.FreshStart, "fresh-start", c.FreshStart, "Delete persisted shares on startup")
	fs.StringVar(&c.TunnelID, "tunnel-id", c.TunnelID, "Tunnel identity (empty disables the tunnel)")
	fs.StringVar(&c.TunnelBinary, "tunnel-binary", c.TunnelBinary, "Tunnel client executable")
	fs.StringVar(&c.TunnelConfigDir, "tunnel-config-dir", c.TunnelConfigDir, "Directory with tunnel credentials")
	fs.DurationVar(&c.TunnelReadyTimeout, "tunnel-ready-timeout", c.TunnelReadyTimeout, "How long to wait for the tunnel to connect")
	fs.DurationVar(&c.TunnelStopGrace, "tunnel-stop-grace", c.TunnelStopGrace, "Grace period before the tunnel client is killed")
	fs.IntVar(&c.TunnelReadyConnections, "tunnel-ready-connections", c.TunnelReadyConnections, "Registered connections required before the tunnel counts as ready")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
	fs.StringVar(&c.PprofListen, "pprof-listen", c.PprofListen, "Optional pprof listen address (e.g. 127.0.0.1:6060)")
}

// Validate normalizes the config and rejects invalid values.
func (c *Config) Validate() error {
	c.Domain = normalizeDomainHost(c.Domain)
	if c.Domain == "" {
		return errors.New("missing --domain or POCKETSHARE_DOMAIN")
	}
	if err := validPort("proxy port", c.ProxyPort, true); err != nil {
		return err
	}
	if c.ProxyBindAttempts <= 0 {
		return errors.New("proxy bind attempts must be > 0")
	}
	if err := validPort("share port start", c.SharePortStart, false); err != nil {
		return err
	}
	if err := validPort("share port end", c.SharePortEnd, false); err != nil {
		return err
	}
	if c.SharePortEnd < c.SharePortStart {
		return fmt.Errorf("share port range %d-%d is empty", c.SharePortStart, c.SharePortEnd)
	}
	if c.ProxyPort >= c.SharePortStart && c.ProxyPort <= c.SharePortEnd {
		return fmt.Errorf("proxy port %d overlaps the share port range", c.ProxyPort)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("missing --data-dir")
	}
	c.TunnelID = strings.TrimSpace(c.TunnelID)
	if c.TunnelReadyTimeout <= 0 {
		return errors.New("tunnel ready timeout must be > 0")
	}
	if c.TunnelStopGrace <= 0 {
		return errors.New("tunnel stop grace must be > 0")
	}
	if c.TunnelReadyConnections <= 0 {
		return errors.New("tunnel ready connections must be > 0")
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log level must be one of: debug, info, warn, error")
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.New("log format must be one of: text, json")
	}
	return nil
}

// TunnelEnabled reports whether a tunnel identity is configured.
func (c Config) TunnelEnabled() bool {
	return c.TunnelID != ""
}

func validPort(name string, port int, allowZero bool) error {
	if allowZero && port == 0 {
		return nil
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", name)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	v = strings.TrimPrefix(v, "*.")
	return strings.TrimSuffix(v, ".")
}
