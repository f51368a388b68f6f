package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synth.Mode != "mock" || cfg.Synth.Model != "seed-tts-1.1" || cfg.Synth.SampleRate != 24000 {
		t.Fatalf("unexpected synth defaults %+v", cfg.Synth)
	}
	if cfg.Player.MaxBacklogChunks != 0 {
		t.Fatalf("backlog ceiling should default to unbounded")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-studio.yaml")
	data := `
http:
  port: 9090
synth:
  mode: exec
  command: "python3 synth.py --fast"
player:
  output: "null"
  max_backlog_chunks: 8
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 || cfg.Synth.Command != "python3 synth.py --fast" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Player.Output != "null" || cfg.Player.MaxBacklogChunks != 8 {
		t.Fatalf("player values not applied: %+v", cfg.Player)
	}
	if cfg.Synth.SampleRate != 24000 {
		t.Fatalf("unset values should keep defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_SYNTH_MODE", "byteplus")
	t.Setenv("BYTEPLUS_APP_ID", "app")
	t.Setenv("BYTEPLUS_ACCESS_TOKEN", "token")
	t.Setenv("LOQA_SYNTH_RESOURCE_ID", "volc.service_type.10029")
	t.Setenv("LOQA_PLAYER_MAX_BACKLOG_CHUNKS", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store retention overrides")
	}
	if cfg.Synth.Mode != "byteplus" || cfg.Synth.AppID != "app" || cfg.Synth.AccessToken != "token" {
		t.Fatalf("expected synth credential overrides, got %+v", cfg.Synth)
	}
	if cfg.Synth.ResourceID != "volc.service_type.10029" {
		t.Fatalf("expected resource id override")
	}
	if cfg.Player.MaxBacklogChunks != 4 {
		t.Fatalf("expected backlog override")
	}
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := os.WriteFile(".env.local", []byte("LOQA_SYNTH_MODEL=local-model\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := os.WriteFile(".env", []byte("LOQA_SYNTH_MODEL=env-model\nLOQA_HTTP_PORT=7000\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("LOQA_SYNTH_MODEL", "")
	os.Unsetenv("LOQA_SYNTH_MODEL")
	t.Setenv("LOQA_HTTP_PORT", "7100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Synth.Model != "local-model" {
		t.Fatalf("expected .env.local to win, got %q", cfg.Synth.Model)
	}
	if cfg.HTTP.Port != 7100 {
		t.Fatalf("process environment must win over dotenv, got %d", cfg.HTTP.Port)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Synth.Mode = "exec"
	if err := validate(cfg); err == nil {
		t.Fatalf("exec mode without command should fail")
	}
	cfg = Default()
	cfg.Player.Output = "speaker"
	if err := validate(cfg); err == nil {
		t.Fatalf("unknown output should fail")
	}
	cfg = Default()
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.EventStore.Path = ""
	if err := validate(cfg); err != nil {
		t.Fatalf("ephemeral store needs no path: %v", err)
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := []struct {
		name string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range cases {
		if got := (TelemetryConfig{LogLevel: tc.name}).Level(); got != tc.want {
			t.Fatalf("level %q: expected %v, got %v", tc.name, tc.want, got)
		}
	}
	cfg := Default()
	cfg.Telemetry.LogLevel = "loud"
	if err := validate(cfg); err == nil {
		t.Fatalf("unknown log level should fail validation")
	}
}
