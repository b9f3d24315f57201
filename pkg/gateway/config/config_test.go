package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.GeminiModel != "gemini-2.0-flash" {
		t.Fatalf("model=%q", cfg.GeminiModel)
	}
	if cfg.LiveTurnTimeout != 30*time.Second {
		t.Fatalf("turn timeout=%v", cfg.LiveTurnTimeout)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("VOICEDESK_ADDR", ":9999")
	t.Setenv("VOICEDESK_LIVE_TURN_TIMEOUT", "12s")
	t.Setenv("VOICEDESK_LIVE_OUTBOUND_QUEUE_SIZE", "128")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.LiveTurnTimeout != 12*time.Second {
		t.Fatalf("turn timeout=%v", cfg.LiveTurnTimeout)
	}
	if cfg.LiveOutboundQueueSize != 128 {
		t.Fatalf("queue size=%d", cfg.LiveOutboundQueueSize)
	}
}

func TestLoadFromEnv_BadValueFallsBackToDefault(t *testing.T) {
	t.Setenv("VOICEDESK_LIVE_TURN_TIMEOUT", "not-a-duration")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.LiveTurnTimeout != 30*time.Second {
		t.Fatalf("turn timeout=%v, want default", cfg.LiveTurnTimeout)
	}
}

func TestLoadFromEnv_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicedesk.yaml")
	body := "addr: \":7070\"\nturn_timeout: 9s\ngemini_model: gemini-1.5-pro\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("VOICEDESK_CONFIG_FILE", path)
	t.Setenv("VOICEDESK_ADDR", ":9999")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	// The file wins over env for keys it sets.
	if cfg.Addr != ":7070" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.LiveTurnTimeout != 9*time.Second {
		t.Fatalf("turn timeout=%v", cfg.LiveTurnTimeout)
	}
	if cfg.GeminiModel != "gemini-1.5-pro" {
		t.Fatalf("model=%q", cfg.GeminiModel)
	}
	// Keys the file omits keep their env/default values.
	if cfg.LiveWSPingInterval != 20*time.Second {
		t.Fatalf("ping interval=%v", cfg.LiveWSPingInterval)
	}
}

func TestLoadFromEnv_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicedesk.yaml")
	if err := os.WriteFile(path, []byte("addr: [nope"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("VOICEDESK_CONFIG_FILE", path)

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFromEnv_RejectsNonPositiveOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicedesk.yaml")
	if err := os.WriteFile(path, []byte("turn_timeout: -1s\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("VOICEDESK_CONFIG_FILE", path)

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected validation error")
	}
}
