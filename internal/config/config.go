// Package config holds the relay server configuration, assembled from
// RELAY_* environment variables overlaid by command-line flags.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig is everything the relay server needs to run.
type ServerConfig struct {
	Listen       string
	ListenHTTP   string
	DBPath       string
	Domain       string
	CertCacheDir string
	LogLevel     string

	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration
	CleanupInterval        time.Duration
	ClaimTTL               time.Duration
	ClaimRetention         time.Duration

	RateLimitWindow time.Duration
	RateLimitMax    int

	MaxFrameBytes int64
	TrustProxy    bool
	EnablePprof   bool
}

const defaultListen = ":8443"
const defaultListenHTTP = ":8080"
const defaultDBPath = "./relay.db"
const defaultCertCacheDir = "./cert"
const defaultHeartbeatTimeout = 60 * time.Second
const defaultHeartbeatCheckInterval = 15 * time.Second
const defaultCleanupInterval = 10 * time.Minute
const defaultClaimTTL = 300 * time.Second
const defaultClaimRetention = 24 * time.Hour
const defaultRateLimitWindow = 60 * time.Second
const defaultRateLimitMax = 10
const defaultMaxFrameBytes = 1 << 20

// ParseServerFlags builds a [ServerConfig] from env defaults and args.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:                 envOrDefault("RELAY_LISTEN", defaultListen),
		ListenHTTP:             envOrDefault("RELAY_LISTEN_HTTP", defaultListenHTTP),
		DBPath:                 envOrDefault("RELAY_DB_PATH", defaultDBPath),
		Domain:                 envOrDefault("RELAY_DOMAIN", ""),
		CertCacheDir:           envOrDefault("RELAY_CERT_CACHE_DIR", defaultCertCacheDir),
		LogLevel:               envOrDefault("RELAY_LOG_LEVEL", "info"),
		HeartbeatTimeout:       envDurationOrDefault("RELAY_HEARTBEAT_TIMEOUT", defaultHeartbeatTimeout),
		HeartbeatCheckInterval: defaultHeartbeatCheckInterval,
		CleanupInterval:        defaultCleanupInterval,
		ClaimTTL:               envDurationOrDefault("RELAY_CLAIM_TTL", defaultClaimTTL),
		ClaimRetention:         defaultClaimRetention,
		RateLimitWindow:        envDurationOrDefault("RELAY_RATE_LIMIT_WINDOW", defaultRateLimitWindow),
		RateLimitMax:           envIntOrDefault("RELAY_RATE_LIMIT_MAX", defaultRateLimitMax),
		MaxFrameBytes:          defaultMaxFrameBytes,
		TrustProxy:             envBoolOrDefault("RELAY_TRUST_PROXY", false),
	}

	fs := flag.NewFlagSet("relayd", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Main listen address (TLS when --domain is set)")
	fs.StringVar(&cfg.ListenHTTP, "http-listen", cfg.ListenHTTP, "Plain HTTP listen address (ACME challenges)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public domain; enables automatic TLS when set")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Disconnect a silent peer after this long")
	fs.DurationVar(&cfg.ClaimTTL, "claim-ttl", cfg.ClaimTTL, "Default claim code lifetime")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", cfg.RateLimitWindow, "Rate limit window on the HTTP surface")
	fs.IntVar(&cfg.RateLimitMax, "rate-limit-max", cfg.RateLimitMax, "Requests allowed per window per endpoint and IP")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "Trust X-Forwarded-For from the fronting proxy")
	fs.BoolVar(&cfg.EnablePprof, "pprof", cfg.EnablePprof, "Expose /debug/pprof on the HTTP listener")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Domain = normalizeDomainHost(cfg.Domain)
	if cfg.HeartbeatTimeout <= 0 {
		return cfg, errors.New("heartbeat timeout must be > 0")
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		return cfg, errors.New("heartbeat check interval must be > 0")
	}
	if cfg.ClaimTTL <= 0 {
		return cfg, errors.New("claim ttl must be > 0")
	}
	if cfg.RateLimitWindow <= 0 || cfg.RateLimitMax <= 0 {
		return cfg, errors.New("rate limit window and max must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
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
	return strings.TrimSuffix(v, ".")
}
