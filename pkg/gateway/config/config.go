package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix     = "INTAKE_"
	EnvConfigFile = "INTAKE_CONFIG_FILE"
)

type ArchiveBackend string

const (
	ArchiveNone     ArchiveBackend = "none"
	ArchiveMemory   ArchiveBackend = "memory"
	ArchiveRedis    ArchiveBackend = "redis"
	ArchivePostgres ArchiveBackend = "postgres"
)

type Config struct {
	Addr string `koanf:"addr"`

	GeminiAPIKey   string `koanf:"gemini_api_key"`
	GeminiBaseURL  string `koanf:"gemini_base_url"`
	LiveModel      string `koanf:"live_model"`
	LiveAPIVersion string `koanf:"live_api_version"`
	BatchModel     string `koanf:"batch_model"`
	ExtractModel   string `koanf:"extract_model"`

	// Empty means the embedded catalog.
	BlueprintPath              string  `koanf:"blueprint_path"`
	TopK                       int     `koanf:"top_k"`
	DefaultConfidenceThreshold float64 `koanf:"default_confidence_threshold"`

	HandshakeTimeout   time.Duration `koanf:"handshake_timeout"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	MaxSessionDuration time.Duration `koanf:"max_session_duration"`
	WSPingInterval     time.Duration `koanf:"ws_ping_interval"`
	WSWriteTimeout     time.Duration `koanf:"ws_write_timeout"`

	MaxAudioFrameBytes         int   `koanf:"max_audio_frame_bytes"`
	MaxJSONMessageBytes        int64 `koanf:"max_json_message_bytes"`
	LiveMaxAudioFPS            int   `koanf:"live_max_audio_fps"`
	LiveMaxAudioBytesPerSecond int64 `koanf:"live_max_audio_bps"`
	LiveInboundBurstSeconds    int   `koanf:"live_inbound_burst_seconds"`
	AudioQueueSize             int   `koanf:"audio_queue_size"`
	EventQueueSize             int   `koanf:"event_queue_size"`
	OutboundQueueSize          int   `koanf:"outbound_queue_size"`

	MaxUploadBytes int64 `koanf:"max_upload_bytes"`

	CORSOrigins        string              `koanf:"cors_origins"`
	CORSAllowedOrigins map[string]struct{} `koanf:"-"` // empty => disabled

	ArchiveBackend ArchiveBackend `koanf:"archive_backend"`
	RedisURL       string         `koanf:"redis_url"`
	ArchiveTTL     time.Duration  `koanf:"archive_ttl"`
	DatabaseURL    string         `koanf:"database_url"`

	Tracing bool `koanf:"tracing"`

	ReadHeaderTimeout   time.Duration `koanf:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `koanf:"shutdown_grace_period"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                         ":8585",
		"live_model":                   "gemini-2.0-flash-exp",
		"live_api_version":             "v1alpha",
		"batch_model":                  "gemini-2.5-flash",
		"extract_model":                "gemini-2.0-flash-001",
		"top_k":                        5,
		"default_confidence_threshold": 0.8,
		"handshake_timeout":            10 * time.Second,
		"idle_timeout":                 2 * time.Minute,
		"max_session_duration":         30 * time.Minute,
		"ws_ping_interval":             20 * time.Second,
		"ws_write_timeout":             5 * time.Second,
		"max_audio_frame_bytes":        32 << 10,
		"max_json_message_bytes":       int64(4 << 20),
		"live_max_audio_fps":           100,
		"live_max_audio_bps":           int64(256 << 10),
		"live_inbound_burst_seconds":   2,
		"audio_queue_size":             64,
		"event_queue_size":             64,
		"outbound_queue_size":          128,
		"max_upload_bytes":             int64(25 << 20),
		"archive_backend":              string(ArchiveNone),
		"archive_ttl":                  24 * time.Hour,
		"tracing":                      false,
		"read_header_timeout":          10 * time.Second,
		"shutdown_grace_period":        30 * time.Second,
	}
}

// LoadFromEnv is Load without a config file unless INTAKE_CONFIG_FILE names one.
func LoadFromEnv() (Config, error) {
	return Load("")
}

// Load reads path (or INTAKE_CONFIG_FILE when path is empty) as YAML, then
// overlays INTAKE_* environment variables, then fills defaults. PORT and
// GEMINI_API_KEY are honoured when the prefixed variables are unset.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config file %s not found", path)
			}
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		if strings.TrimSpace(value) == "" {
			return "", nil
		}
		return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), strings.TrimSpace(value)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if !k.Exists("addr") {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			_ = k.Set("addr", ":"+port)
		}
	}
	if !k.Exists("gemini_api_key") {
		if key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); key != "" {
			_ = k.Set("gemini_api_key", key)
		}
	}
	for key, v := range defaults() {
		if !k.Exists(key) {
			_ = k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.CORSAllowedOrigins = make(map[string]struct{})
	for _, origin := range splitCSV(cfg.CORSOrigins) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	cfg.ArchiveBackend = ArchiveBackend(strings.ToLower(strings.TrimSpace(string(cfg.ArchiveBackend))))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("INTAKE_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.LiveModel) == "" {
		return fmt.Errorf("INTAKE_LIVE_MODEL must not be empty")
	}
	if cfg.TopK <= 0 {
		return fmt.Errorf("INTAKE_TOP_K must be > 0")
	}
	if math.IsNaN(cfg.DefaultConfidenceThreshold) || cfg.DefaultConfidenceThreshold < 0 || cfg.DefaultConfidenceThreshold > 1 {
		return fmt.Errorf("INTAKE_DEFAULT_CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("INTAKE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("INTAKE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return fmt.Errorf("INTAKE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("INTAKE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("INTAKE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("INTAKE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("INTAKE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return fmt.Errorf("INTAKE_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("INTAKE_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return fmt.Errorf("INTAKE_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return fmt.Errorf("INTAKE_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.AudioQueueSize <= 0 {
		return fmt.Errorf("INTAKE_AUDIO_QUEUE_SIZE must be > 0")
	}
	if cfg.EventQueueSize <= 0 {
		return fmt.Errorf("INTAKE_EVENT_QUEUE_SIZE must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("INTAKE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("INTAKE_MAX_UPLOAD_BYTES must be > 0")
	}
	if cfg.ArchiveTTL <= 0 {
		return fmt.Errorf("INTAKE_ARCHIVE_TTL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("INTAKE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("INTAKE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	switch cfg.ArchiveBackend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return fmt.Errorf("INTAKE_REDIS_URL must be set when INTAKE_ARCHIVE_BACKEND=redis")
		}
	case ArchivePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return fmt.Errorf("INTAKE_DATABASE_URL must be set when INTAKE_ARCHIVE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("INTAKE_ARCHIVE_BACKEND must be one of none|memory|redis|postgres")
	}
	return nil
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
