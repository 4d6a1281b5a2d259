package config

import (
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
	if cfg.Capture.Locale != "en-IN" {
		t.Fatalf("expected en-IN locale, got %q", cfg.Capture.Locale)
	}
	if cfg.Capture.SettleDelayMS != 1000 {
		t.Fatalf("expected 1s settle delay, got %d", cfg.Capture.SettleDelayMS)
	}
	if cfg.Capture.ConfirmationPhrase != "Done" {
		t.Fatalf("unexpected confirmation phrase %q", cfg.Capture.ConfirmationPhrase)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte(`
runtime_name: kitchen
capture:
  locale: en-GB
  settle_delay_ms: 250
  finalize_on_result: true
stt:
  mode: exec
  command: "whisper-cli --json"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "kitchen" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Capture.Locale != "en-GB" || cfg.Capture.SettleDelayMS != 250 || !cfg.Capture.FinalizeOnResult {
		t.Fatalf("unexpected capture config: %+v", cfg.Capture)
	}
	if cfg.Capture.ErrorMessage == "" {
		t.Fatalf("expected defaults preserved for unset keys")
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "whisper-cli --json" {
		t.Fatalf("unexpected stt config: %+v", cfg.STT)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
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
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_CAPTURE_LOCALE", "hi-IN")
	t.Setenv("LOQA_CAPTURE_SETTLE_DELAY_MS", "1500")
	t.Setenv("LOQA_CAPTURE_CONFIRMATION_RATE", "1.25")
	t.Setenv("LOQA_CAPTURE_RECORD_TRANSCRIPTS", "false")

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
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Capture.Locale != "hi-IN" {
		t.Fatalf("expected capture locale override")
	}
	if cfg.Capture.SettleDelayMS != 1500 {
		t.Fatalf("expected settle delay override")
	}
	if cfg.Capture.ConfirmationRate != 1.25 {
		t.Fatalf("expected confirmation rate override")
	}
	if cfg.Capture.RecordTranscripts {
		t.Fatalf("expected record transcripts override false")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty locale":        func(c *Config) { c.Capture.Locale = "" },
		"negative settle":     func(c *Config) { c.Capture.SettleDelayMS = -1 },
		"zero rate":           func(c *Config) { c.Capture.ConfirmationRate = 0 },
		"empty error message": func(c *Config) { c.Capture.ErrorMessage = "" },
		"exec without cmd":    func(c *Config) { c.STT.Mode = "exec"; c.STT.Command = "" },
		"bad stt mode":        func(c *Config) { c.STT.Mode = "cloud" },
		"bad retention":       func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"bad port":            func(c *Config) { c.HTTP.Port = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestResultsStream(t *testing.T) {
	cfg := Default()
	if cfg.Bus.ResultsStream != "CAPTURE_RESULTS" || cfg.Bus.ResultsMaxAgeHr != 24 {
		t.Fatalf("unexpected results stream defaults: %q %d", cfg.Bus.ResultsStream, cfg.Bus.ResultsMaxAgeHr)
	}

	t.Setenv("LOQA_BUS_RESULTS_STREAM", "DICTATION")
	t.Setenv("LOQA_BUS_RESULTS_MAX_AGE_HOURS", "2")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.ResultsStream != "DICTATION" || cfg.Bus.ResultsMaxAgeHr != 2 {
		t.Fatalf("expected results stream override, got %q %d", cfg.Bus.ResultsStream, cfg.Bus.ResultsMaxAgeHr)
	}
}

func TestEmbeddedBusAcceptsRandomPort(t *testing.T) {
	cfg := Default()
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	if err := validate(cfg); err != nil {
		t.Fatalf("expected port -1 to be accepted: %v", err)
	}
	cfg.Bus.Port = -2
	if err := validate(cfg); err == nil {
		t.Fatal("expected port -2 to be rejected")
	}
}
