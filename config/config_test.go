package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"TWITCH_HELIX_URL", "TWITCH_GQL_URL", "TWITCH_TOKEN_URL", "TOKEN_REFRESH_URL",
		"EVENTSUB_WS_URL", "EVENTSUB_KEEPALIVE_TIMEOUT", "EVENTSUB_MAX_RETRIES",
		"RECONCILE_INTERVAL", "CAPTURE_COMMAND", "MAX_CONCURRENT_CAPTURES",
		"CAPTURE_MAX_ATTEMPTS", "CAPTURE_MIN_RUNTIME", "CAPTURE_STOP_TIMEOUT",
		"CAPTURE_COOLDOWN", "DATA_DIR", "LISTEN_ADDR", "TWITCH_SCOPES",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.HelixURL != "https://api.twitch.tv/helix" {
		t.Errorf("HelixURL = %q", cfg.HelixURL)
	}
	if cfg.EventSubWSURL != "wss://eventsub.wss.twitch.tv/ws" {
		t.Errorf("EventSubWSURL = %q", cfg.EventSubWSURL)
	}
	if cfg.EventSubKeepaliveTimeout != 70*time.Second {
		t.Errorf("EventSubKeepaliveTimeout = %v", cfg.EventSubKeepaliveTimeout)
	}
	if cfg.EventSubMaxRetries != 15 {
		t.Errorf("EventSubMaxRetries = %d", cfg.EventSubMaxRetries)
	}
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("ReconcileInterval = %v", cfg.ReconcileInterval)
	}
	if cfg.CaptureCommand != "streamlink" {
		t.Errorf("CaptureCommand = %q", cfg.CaptureCommand)
	}
	if cfg.MaxConcurrentCaptures != 4 {
		t.Errorf("MaxConcurrentCaptures = %d", cfg.MaxConcurrentCaptures)
	}
	if cfg.CaptureMaxAttempts != 5 {
		t.Errorf("CaptureMaxAttempts = %d", cfg.CaptureMaxAttempts)
	}
	if cfg.CaptureMinRuntime != 60*time.Second {
		t.Errorf("CaptureMinRuntime = %v", cfg.CaptureMinRuntime)
	}
	if cfg.CaptureCooldown != 30*time.Second {
		t.Errorf("CaptureCooldown = %v", cfg.CaptureCooldown)
	}
	if cfg.ListenAddr != ":8420" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.TwitchScopes != "user:read:email" {
		t.Errorf("TwitchScopes = %q", cfg.TwitchScopes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVENTSUB_KEEPALIVE_TIMEOUT", "90s")
	t.Setenv("MAX_CONCURRENT_CAPTURES", "2")
	t.Setenv("CAPTURE_MIN_RUNTIME", "120")
	t.Setenv("LISTEN_ADDR", ":9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.EventSubKeepaliveTimeout != 90*time.Second {
		t.Errorf("EventSubKeepaliveTimeout = %v, want 90s", cfg.EventSubKeepaliveTimeout)
	}
	if cfg.MaxConcurrentCaptures != 2 {
		t.Errorf("MaxConcurrentCaptures = %d, want 2", cfg.MaxConcurrentCaptures)
	}
	// Bare numbers are seconds.
	if cfg.CaptureMinRuntime != 120*time.Second {
		t.Errorf("CaptureMinRuntime = %v, want 2m", cfg.CaptureMinRuntime)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key string
		val string
	}{
		{"EVENTSUB_MAX_RETRIES", "many"},
		{"EVENTSUB_KEEPALIVE_TIMEOUT", "soon"},
		{"MAX_CONCURRENT_CAPTURES", "1.5"},
		{"RECONCILE_INTERVAL", "5 minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q succeeded, want error", tt.key, tt.val)
			}
		})
	}
}

func TestValidateAuthReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("TWITCH_REDIRECT_URI", "http://localhost:8420/auth/callback")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.ValidateAuthReady(); err != nil {
		t.Errorf("ValidateAuthReady() = %v, want nil", err)
	}

	t.Setenv("TWITCH_CLIENT_SECRET", "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.ValidateAuthReady(); err == nil {
		t.Error("ValidateAuthReady() without client secret succeeded, want error")
	}
}
