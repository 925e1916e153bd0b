// Package config manages lispd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete lispd configuration.
type Config struct {
	Log        LogConfig       `koanf:"log"`
	GRPC       GRPCConfig      `koanf:"grpc"`
	Metrics    MetricsConfig   `koanf:"metrics"`
	Underlay   UnderlayConfig  `koanf:"underlay"`
	Tunnel     TunnelConfig    `koanf:"tunnel"`
	LocalEIDs  []string        `koanf:"local_eids"` // CIDR strings
	PETR       PETRConfig      `koanf:"petr"`
	MapCache   MapCacheConfig  `koanf:"map_cache"`
	StaticMaps []StaticMapping `koanf:"static_maps"`
}

// GRPCConfig holds the ConnectRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// UnderlayConfig describes the raw IPv4 socket and tun/tap device this
// instance forwards through.
type UnderlayConfig struct {
	// Device is the tun/tap interface name carrying decapsulated EID
	// traffic to and from the local stack.
	Device string `koanf:"device"`

	// DataPort is the UDP port used for LISP-encapsulated data traffic
	// on both the outer source and destination.
	DataPort uint16 `koanf:"data_port"`
}

// TunnelConfig names this instance's own RLOC addresses, used as the
// encapsulated packet's outer source.
type TunnelConfig struct {
	RLOCv4 string `koanf:"rloc_v4"`
	RLOCv6 string `koanf:"rloc_v6"`
}

// RLOCv4Addr parses RLOCv4 as a netip.Addr. An empty string is valid
// and means "no IPv4 RLOC configured".
func (t TunnelConfig) RLOCv4Addr() (netip.Addr, error) {
	return parseOptionalAddr(t.RLOCv4)
}

// RLOCv6Addr parses RLOCv6 as a netip.Addr. An empty string is valid
// and means "no IPv6 RLOC configured".
func (t TunnelConfig) RLOCv6Addr() (netip.Addr, error) {
	return parseOptionalAddr(t.RLOCv6)
}

// PETRConfig names the proxy-ETR destination used as a fallback
// encapsulation target whenever the map-cache has no usable mapping.
type PETRConfig struct {
	V4 string `koanf:"v4"`
	V6 string `koanf:"v6"`
}

// V4Addr parses V4 as a netip.Addr. An empty string is valid and means
// "IPv4 PETR not configured".
func (p PETRConfig) V4Addr() (netip.Addr, error) {
	return parseOptionalAddr(p.V4)
}

// V6Addr parses V6 as a netip.Addr. An empty string is valid and means
// "IPv6 PETR not configured".
func (p PETRConfig) V6Addr() (netip.Addr, error) {
	return parseOptionalAddr(p.V6)
}

func parseOptionalAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return addr, nil
}

// MapCacheConfig holds the map-cache entry lifecycle's tunables: retry
// budget, nonce ledger size, backoff schedule, and negative/SMR
// durations.
type MapCacheConfig struct {
	MaxRetries              int           `koanf:"max_retries"`
	MaxNoncesPerRequest     int           `koanf:"max_nonces_per_request"`
	BackoffBase             time.Duration `koanf:"backoff_base"`
	BackoffFactor           int           `koanf:"backoff_factor"`
	BackoffCap              time.Duration `koanf:"backoff_cap"`
	NegativeTTL             time.Duration `koanf:"negative_ttl"`
	NegativeTTLOnExhaustion time.Duration `koanf:"negative_ttl_on_exhaustion"`
	SMRInvMaxDelay          time.Duration `koanf:"smr_inv_max_delay"`
}

// StaticMapping declares one statically-provisioned EID-to-RLOC
// mapping, installed at startup and on every SIGHUP reload.
type StaticMapping struct {
	// EIDPrefix is the destination EID prefix, e.g. "10.1.0.0/16".
	EIDPrefix string `koanf:"eid_prefix"`

	// InstanceID scopes this mapping to a LISP instance; 0 is the
	// default instance.
	InstanceID uint32 `koanf:"instance_id"`

	// Locators lists candidate RLOCs in priority order.
	Locators []StaticLocator `koanf:"locators"`
}

// StaticLocator is one candidate RLOC within a StaticMapping.
type StaticLocator struct {
	RLOC     string `koanf:"rloc"`
	Priority uint8  `koanf:"priority"`
	Weight   uint8  `koanf:"weight"`
}

// EIDNetPrefix parses EIDPrefix as a netip.Prefix.
func (m StaticMapping) EIDNetPrefix() (netip.Prefix, error) {
	pfx, err := netip.ParsePrefix(m.EIDPrefix)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse static mapping eid_prefix %q: %w", m.EIDPrefix, err)
	}
	return pfx, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// MapCache defaults follow four retries with 1s/2x/30s exponential
// backoff, a 3-nonce reply-matching ledger, a 60s negative TTL (15s
// when retries are exhausted locally), and up to 5s of jitter before
// re-requesting on a Solicit-Map-Request.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		GRPC: GRPCConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Underlay: UnderlayConfig{
			Device:   "lisp0",
			DataPort: 4341,
		},
		MapCache: MapCacheConfig{
			MaxRetries:              4,
			MaxNoncesPerRequest:     3,
			BackoffBase:             1 * time.Second,
			BackoffFactor:           2,
			BackoffCap:              30 * time.Second,
			NegativeTTL:             60 * time.Second,
			NegativeTTLOnExhaustion: 15 * time.Second,
			SMRInvMaxDelay:          5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for lispd configuration.
// Variables are named LISPD_<section>_<key>, e.g., LISPD_GRPC_ADDR.
const envPrefix = "LISPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (LISPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	LISPD_GRPC_ADDR     -> grpc.addr
//	LISPD_METRICS_ADDR  -> metrics.addr
//	LISPD_METRICS_PATH  -> metrics.path
//	LISPD_LOG_LEVEL     -> log.level
//	LISPD_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// LISPD_GRPC_ADDR -> grpc.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms LISPD_GRPC_ADDR -> grpc.addr.
// Strips the LISPD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                           defaults.Log.Level,
		"log.format":                          defaults.Log.Format,
		"grpc.addr":                           defaults.GRPC.Addr,
		"metrics.addr":                        defaults.Metrics.Addr,
		"metrics.path":                        defaults.Metrics.Path,
		"underlay.device":                     defaults.Underlay.Device,
		"underlay.data_port":                  defaults.Underlay.DataPort,
		"map_cache.max_retries":               defaults.MapCache.MaxRetries,
		"map_cache.max_nonces_per_request":    defaults.MapCache.MaxNoncesPerRequest,
		"map_cache.backoff_base":              defaults.MapCache.BackoffBase.String(),
		"map_cache.backoff_factor":            defaults.MapCache.BackoffFactor,
		"map_cache.backoff_cap":               defaults.MapCache.BackoffCap.String(),
		"map_cache.negative_ttl":              defaults.MapCache.NegativeTTL.String(),
		"map_cache.negative_ttl_on_exhaustion": defaults.MapCache.NegativeTTLOnExhaustion.String(),
		"map_cache.smr_inv_max_delay":          defaults.MapCache.SMRInvMaxDelay.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyGRPCAddr indicates the gRPC listen address is empty.
	ErrEmptyGRPCAddr = errors.New("grpc.addr must not be empty")

	// ErrEmptyUnderlayDevice indicates the tun/tap device name is empty.
	ErrEmptyUnderlayDevice = errors.New("underlay.device must not be empty")

	// ErrInvalidMaxRetries indicates the map-cache retry budget is invalid.
	ErrInvalidMaxRetries = errors.New("map_cache.max_retries must be >= 1")

	// ErrInvalidMaxNonces indicates the nonce ledger size is invalid.
	ErrInvalidMaxNonces = errors.New("map_cache.max_nonces_per_request must be >= 1")

	// ErrInvalidBackoffBase indicates the backoff base duration is invalid.
	ErrInvalidBackoffBase = errors.New("map_cache.backoff_base must be > 0")

	// ErrInvalidLocalEID indicates a local_eids entry is not a valid CIDR.
	ErrInvalidLocalEID = errors.New("local_eids entry is not a valid prefix")

	// ErrInvalidStaticMapping indicates a static_maps entry is malformed.
	ErrInvalidStaticMapping = errors.New("static_maps entry is invalid")

	// ErrDuplicateStaticMapping indicates two static_maps entries name
	// the same EID prefix.
	ErrDuplicateStaticMapping = errors.New("duplicate static mapping eid_prefix")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}
	if cfg.Underlay.Device == "" {
		return ErrEmptyUnderlayDevice
	}
	if cfg.MapCache.MaxRetries < 1 {
		return ErrInvalidMaxRetries
	}
	if cfg.MapCache.MaxNoncesPerRequest < 1 {
		return ErrInvalidMaxNonces
	}
	if cfg.MapCache.BackoffBase <= 0 {
		return ErrInvalidBackoffBase
	}
	if _, _, err := cfg.TunnelAddrs(); err != nil {
		return err
	}
	if _, _, err := cfg.PETRAddrs(); err != nil {
		return err
	}
	if err := validateLocalEIDs(cfg.LocalEIDs); err != nil {
		return err
	}
	if err := validateStaticMaps(cfg.StaticMaps); err != nil {
		return err
	}
	return nil
}

// TunnelAddrs parses the configured RLOC addresses.
func (c *Config) TunnelAddrs() (v4, v6 netip.Addr, err error) {
	v4, err = c.Tunnel.RLOCv4Addr()
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	v6, err = c.Tunnel.RLOCv6Addr()
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	return v4, v6, nil
}

// PETRAddrs parses the configured proxy-ETR addresses.
func (c *Config) PETRAddrs() (v4, v6 netip.Addr, err error) {
	v4, err = c.PETR.V4Addr()
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	v6, err = c.PETR.V6Addr()
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	return v4, v6, nil
}

func validateLocalEIDs(eids []string) error {
	for i, s := range eids {
		if _, err := netip.ParsePrefix(s); err != nil {
			return fmt.Errorf("local_eids[%d] %q: %w: %w", i, s, ErrInvalidLocalEID, err)
		}
	}
	return nil
}

func validateStaticMaps(maps []StaticMapping) error {
	seen := make(map[string]struct{}, len(maps))
	for i, m := range maps {
		pfx, err := m.EIDNetPrefix()
		if err != nil {
			return fmt.Errorf("static_maps[%d]: %w: %w", i, ErrInvalidStaticMapping, err)
		}
		key := pfx.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("static_maps[%d] %q: %w", i, key, ErrDuplicateStaticMapping)
		}
		seen[key] = struct{}{}

		for j, loc := range m.Locators {
			if _, err := netip.ParseAddr(loc.RLOC); err != nil {
				return fmt.Errorf("static_maps[%d].locators[%d] %q: %w: %w", i, j, loc.RLOC, ErrInvalidStaticMapping, err)
			}
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
