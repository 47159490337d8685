package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/network"
)

// MemoryURL selects the in-process transport instead of a NATS server.
const MemoryURL = "memory://"

// Auditor store types.
const (
	StoreMemory = "memory" // Pending trees are lost when the process exits
	StoreBolt   = "bolt"   // Local bbolt file
	StoreKV     = "kv"     // NATS JetStream key-value bucket
)

// Config is the complete configuration of a streamkit process.
type Config struct {
	Version string             `json:"version,omitempty"`
	NATS    NATSConfig         `json:"nats"`
	Metrics MetricsConfig      `json:"metrics"`
	Auditor AuditorConfig      `json:"auditor"`
	Log     LogConfig          `json:"log"`
	Network network.Definition `json:"network"`
}

// NATSConfig defines the transport connection.
type NATSConfig struct {
	URL           string     `json:"url"`
	MaxReconnects int        `json:"max_reconnects,omitempty"`
	ReconnectWait string     `json:"reconnect_wait,omitempty"`
	Username      string     `json:"username,omitempty"`
	Password      string     `json:"password,omitempty"`
	Token         string     `json:"token,omitempty"`
	TLS           *TLSConfig `json:"tls,omitempty"`
}

// TLSConfig enables TLS on the NATS connection. Cert and Key enable client certificates;
// CA replaces the system roots.
type TLSConfig struct {
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
	CA   string `json:"ca,omitempty"`
}

// IsMemory reports whether the in-process transport is selected.
func (n NATSConfig) IsMemory() bool {
	return n.URL == MemoryURL
}

// ReconnectWaitDuration parses ReconnectWait.
func (n NATSConfig) ReconnectWaitDuration() (time.Duration, error) {
	if n.ReconnectWait == "" {
		return 0, nil
	}
	return time.ParseDuration(n.ReconnectWait)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// AuditorConfig selects where auditors keep pending ack trees.
type AuditorConfig struct {
	Store  string `json:"store"`
	Path   string `json:"path,omitempty"`   // bbolt file for StoreBolt
	Bucket string `json:"bucket,omitempty"` // KV bucket for StoreKV
	Shards int    `json:"shards,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Validate checks the configuration. The network definition is validated with its defaults
// applied.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url is required")
	}
	if !c.NATS.IsMemory() && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("nats.url %q must start with nats://, tls:// or be %s", c.NATS.URL, MemoryURL))
	}
	if _, err := c.NATS.ReconnectWaitDuration(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "parse nats.reconnect_wait")
	}
	if tls := c.NATS.TLS; tls != nil {
		if (tls.Cert == "") != (tls.Key == "") {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"nats.tls.cert and nats.tls.key must be set together")
		}
		if c.NATS.IsMemory() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"nats.tls needs a NATS connection")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("metrics.port %d outside valid range 1-65535", c.Metrics.Port))
	}

	switch c.Auditor.Store {
	case StoreMemory:
	case StoreBolt:
		if c.Auditor.Path == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"auditor.path is required for the bolt store")
		}
	case StoreKV:
		if c.Auditor.Bucket == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"auditor.bucket is required for the kv store")
		}
		if c.NATS.IsMemory() {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"the kv store needs a NATS connection")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown auditor.store %q", c.Auditor.Store))
	}
	if c.Auditor.Shards < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "auditor.shards cannot be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}

	if err := c.Network.WithDefaults().Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "network")
	}
	return nil
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "STREAMKIT",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and environment overrides, in that order.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the configuration used when nothing else is set: the in-process
// transport, memory auditor stores and info-level JSON logs.
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           MemoryURL,
			MaxReconnects: -1,
			ReconnectWait: "2s",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Auditor: AuditorConfig{
			Store:  StoreMemory,
			Bucket: "STREAMKIT_AUDIT",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadRaw reads one layer as a generic map. YAML layers are decoded with yaml.v3, whose
// nested mappings come back as map[string]any and merge like JSON objects.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "loadRaw", "parse YAML")
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "loadRaw", "parse JSON")
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "toMap", "encode config")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "toMap", "decode config")
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"_NATS_URL":       &cfg.NATS.URL,
		"_NATS_USERNAME":  &cfg.NATS.Username,
		"_NATS_PASSWORD":  &cfg.NATS.Password,
		"_NATS_TOKEN":     &cfg.NATS.Token,
		"_AUDITOR_STORE":  &cfg.Auditor.Store,
		"_AUDITOR_PATH":   &cfg.Auditor.Path,
		"_AUDITOR_BUCKET": &cfg.Auditor.Bucket,
		"_LOG_LEVEL":      &cfg.Log.Level,
		"_LOG_FORMAT":     &cfg.Log.Format,
	}
	for suffix, field := range strs {
		key := l.envPrefix + suffix
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "validate "+key)
		}
		*field = val
	}

	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_METRICS_PORT")
		}
		cfg.Metrics.Port = port
		cfg.Metrics.Enabled = port > 0
	}
	return nil
}
