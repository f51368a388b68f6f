package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind            string   `yaml:"bind"`
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Synth       SynthConfig      `yaml:"synth"`
	Catalog     CatalogConfig    `yaml:"catalog"`
	Player      PlayerConfig     `yaml:"player"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SynthConfig selects and configures the synthesis backend.
type SynthConfig struct {
	Mode        string `yaml:"mode"` // byteplus, mock, exec
	Endpoint    string `yaml:"endpoint"`
	AppID       string `yaml:"app_id"`
	AccessToken string `yaml:"access_token"`
	ResourceID  string `yaml:"resource_id"`
	AppKey      string `yaml:"app_key"`
	Model       string `yaml:"model"`
	SampleRate  int    `yaml:"sample_rate"`
	Command     string `yaml:"command"`
	TimeoutSec  int    `yaml:"timeout_sec"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// PlayerConfig tunes the streaming client.
type PlayerConfig struct {
	ServerURL        string `yaml:"server_url"`
	Output           string `yaml:"output"` // device, null
	ReadSizeBytes    int    `yaml:"read_size_bytes"`
	MaxBacklogChunks int    `yaml:"max_backlog_chunks"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-studio",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-studio.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Synth: SynthConfig{
			Mode:       "mock",
			Endpoint:   "https://voice.ap-southeast-1.bytepluses.com/api/v3/tts/unidirectional",
			AppKey:     "aGjiRDfUWi",
			Model:      "seed-tts-1.1",
			SampleRate: 24000,
			TimeoutSec: 120,
		},
		Player: PlayerConfig{
			ServerURL:      "http://localhost:8080",
			Output:         "device",
			ReadSizeBytes:  32 * 1024,
			PollIntervalMS: 100,
		},
	}
}

// Load layers the yaml file at path over Default, then .env.local and .env,
// then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotenv(".env.local", ".env"); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotenv loads the files that exist. Variables already present in the
// environment win, and earlier files win over later ones.
func loadDotenv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideInt(&cfg.HTTP.WriteTimeoutSec, "LOQA_HTTP_WRITE_TIMEOUT_SEC")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synth.Mode, "LOQA_SYNTH_MODE")
	overrideString(&cfg.Synth.Endpoint, "LOQA_SYNTH_ENDPOINT")
	overrideString(&cfg.Synth.AppID, "BYTEPLUS_APP_ID")
	overrideString(&cfg.Synth.AccessToken, "BYTEPLUS_ACCESS_TOKEN")
	overrideString(&cfg.Synth.ResourceID, "BYTEPLUS_RESOURCE_ID")
	overrideString(&cfg.Synth.AppID, "LOQA_SYNTH_APP_ID")
	overrideString(&cfg.Synth.AccessToken, "LOQA_SYNTH_ACCESS_TOKEN")
	overrideString(&cfg.Synth.ResourceID, "LOQA_SYNTH_RESOURCE_ID")
	overrideString(&cfg.Synth.AppKey, "LOQA_SYNTH_APP_KEY")
	overrideString(&cfg.Synth.Model, "LOQA_SYNTH_MODEL")
	overrideInt(&cfg.Synth.SampleRate, "LOQA_SYNTH_SAMPLE_RATE")
	overrideString(&cfg.Synth.Command, "LOQA_SYNTH_COMMAND")
	overrideInt(&cfg.Synth.TimeoutSec, "LOQA_SYNTH_TIMEOUT_SEC")
	overrideString(&cfg.Catalog.Path, "LOQA_CATALOG_PATH")
	overrideString(&cfg.Player.ServerURL, "LOQA_PLAYER_SERVER_URL")
	overrideString(&cfg.Player.Output, "LOQA_PLAYER_OUTPUT")
	overrideInt(&cfg.Player.ReadSizeBytes, "LOQA_PLAYER_READ_SIZE_BYTES")
	overrideInt(&cfg.Player.MaxBacklogChunks, "LOQA_PLAYER_MAX_BACKLOG_CHUNKS")
	overrideInt(&cfg.Player.PollIntervalMS, "LOQA_PLAYER_POLL_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if _, err := parseLevel(cfg.Telemetry.LogLevel); err != nil {
		return err
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.WriteTimeoutSec < 0 {
		return errors.New("http.write_timeout_sec must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Synth.Mode {
	case "mock":
	case "byteplus":
		if cfg.Synth.Endpoint == "" {
			return errors.New("synth.endpoint must be set when mode=byteplus")
		}
	case "exec":
		if cfg.Synth.Command == "" {
			return errors.New("synth.command must be set when mode=exec")
		}
	default:
		return errors.New("synth.mode must be one of byteplus|mock|exec")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	switch cfg.Player.Output {
	case "device", "null":
	default:
		return errors.New("player.output must be one of device|null")
	}
	if cfg.Player.MaxBacklogChunks < 0 {
		return errors.New("player.max_backlog_chunks must be >= 0")
	}
	if cfg.Player.ReadSizeBytes < 0 || cfg.Player.PollIntervalMS < 0 {
		return errors.New("player.read_size_bytes and player.poll_interval_ms must be >= 0")
	}
	return nil
}

// Level is the slog level named by log_level, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
	level, err := parseLevel(t.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(name string) (slog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("telemetry.log_level: %w", err)
	}
	return level, nil
}
