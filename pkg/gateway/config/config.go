package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string

	// Upstream generation backend. Empty GeminiAPIKey runs the gateway in
	// degraded mode with the canned generator.
	GeminiAPIKey string
	GeminiModel  string

	// Live WebSocket mode (/v1/live).
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveTurnTimeout         time.Duration
	LiveOutboundQueueSize   int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// fileOverlay is the optional YAML config shape. Every field is a pointer so
// an absent key leaves the env-derived value untouched.
type fileOverlay struct {
	Addr                *string        `yaml:"addr"`
	GeminiAPIKey        *string        `yaml:"gemini_api_key"`
	GeminiModel         *string        `yaml:"gemini_model"`
	MaxJSONMessageBytes *int64         `yaml:"max_json_message_bytes"`
	WSPingInterval      *time.Duration `yaml:"ws_ping_interval"`
	WSWriteTimeout      *time.Duration `yaml:"ws_write_timeout"`
	TurnTimeout         *time.Duration `yaml:"turn_timeout"`
	OutboundQueueSize   *int           `yaml:"outbound_queue_size"`
	ReadHeaderTimeout   *time.Duration `yaml:"read_header_timeout"`
	ReadTimeout         *time.Duration `yaml:"read_timeout"`
	ShutdownGracePeriod *time.Duration `yaml:"shutdown_grace_period"`
}

// LoadFromEnv builds the config from VOICEDESK_* variables, then applies the
// optional YAML file named by VOICEDESK_CONFIG_FILE on top.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VOICEDESK_ADDR", ":8080"),
		GeminiAPIKey:            envOr("VOICEDESK_GEMINI_API_KEY", envOr("GEMINI_API_KEY", "")),
		GeminiModel:             envOr("VOICEDESK_GEMINI_MODEL", "gemini-2.0-flash"),
		LiveMaxJSONMessageBytes: envInt64Or("VOICEDESK_LIVE_MAX_JSON_MESSAGE_BYTES", 256*1024),
		LiveWSPingInterval:      envDurationOr("VOICEDESK_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("VOICEDESK_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveTurnTimeout:         envDurationOr("VOICEDESK_LIVE_TURN_TIMEOUT", 30*time.Second),
		LiveOutboundQueueSize:   envIntOr("VOICEDESK_LIVE_OUTBOUND_QUEUE_SIZE", 64),
		ReadHeaderTimeout:       envDurationOr("VOICEDESK_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("VOICEDESK_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:     envDurationOr("VOICEDESK_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if path := strings.TrimSpace(os.Getenv("VOICEDESK_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if overlay.Addr != nil {
		cfg.Addr = *overlay.Addr
	}
	if overlay.GeminiAPIKey != nil {
		cfg.GeminiAPIKey = *overlay.GeminiAPIKey
	}
	if overlay.GeminiModel != nil {
		cfg.GeminiModel = *overlay.GeminiModel
	}
	if overlay.MaxJSONMessageBytes != nil {
		cfg.LiveMaxJSONMessageBytes = *overlay.MaxJSONMessageBytes
	}
	if overlay.WSPingInterval != nil {
		cfg.LiveWSPingInterval = *overlay.WSPingInterval
	}
	if overlay.WSWriteTimeout != nil {
		cfg.LiveWSWriteTimeout = *overlay.WSWriteTimeout
	}
	if overlay.TurnTimeout != nil {
		cfg.LiveTurnTimeout = *overlay.TurnTimeout
	}
	if overlay.OutboundQueueSize != nil {
		cfg.LiveOutboundQueueSize = *overlay.OutboundQueueSize
	}
	if overlay.ReadHeaderTimeout != nil {
		cfg.ReadHeaderTimeout = *overlay.ReadHeaderTimeout
	}
	if overlay.ReadTimeout != nil {
		cfg.ReadTimeout = *overlay.ReadTimeout
	}
	if overlay.ShutdownGracePeriod != nil {
		cfg.ShutdownGracePeriod = *overlay.ShutdownGracePeriod
	}
	return nil
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("VOICEDESK_ADDR must not be empty")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return fmt.Errorf("VOICEDESK_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return fmt.Errorf("VOICEDESK_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return fmt.Errorf("VOICEDESK_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveTurnTimeout <= 0 {
		return fmt.Errorf("VOICEDESK_LIVE_TURN_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return fmt.Errorf("VOICEDESK_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICEDESK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("VOICEDESK_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICEDESK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
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

func envInt64Or(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
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
