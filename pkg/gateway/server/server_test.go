package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/urja-ai/voicedesk/pkg/gateway/config"
)

func testConfig() config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}
	cfg.GeminiAPIKey = ""
	return cfg
}

func TestServerRoutes(t *testing.T) {
	s, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/sessions/ghost")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("sessions status=%d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/escalations")
	if err != nil {
		t.Fatalf("escalations: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("escalations status=%d", resp.StatusCode)
	}
}

func TestServerDrainingBlocksLive(t *testing.T) {
	s, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetDraining()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/live")
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("live status=%d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d, want 503", resp.StatusCode)
	}
}
