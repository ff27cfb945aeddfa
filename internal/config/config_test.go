package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_MODE", "JWT_SECRET", "BOT_TOKEN", "STORE_DRIVER", "DB_DSN", "FIRESTORE_PROJECT",
		"PROVIDER_TRANSPORT", "MASTER_KEYS_JSON", "MASTER_KEY_B64", "MASTER_KEY_CURRENT_ID",
		"LOOP_BUDGET", "LOOP_PACE", "WORKER_MAX_RETRIES", "RATE_LIMIT_PER_HOUR",
		"AGENT_IDLE_TTL", "BOT_COMMAND_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppMode != ModeAll || !cfg.ServesAPI() || cfg.RunsBot() {
		t.Fatalf("unexpected mode handling: %+v", cfg.AppMode)
	}
	if cfg.Loop.Budget != 30*time.Second || cfg.Loop.Pace != time.Second || cfg.Loop.IdleTTL != time.Hour {
		t.Fatalf("unexpected loop defaults: %+v", cfg.Loop)
	}
	if cfg.Bot.CommandTimeout != 10*time.Second {
		t.Fatalf("unexpected command timeout: %s", cfg.Bot.CommandTimeout)
	}
	if cfg.Providers.OpenAI.Model != "gpt-3.5-turbo" || cfg.Providers.Gemini.Model != "gemini-1.5-pro" {
		t.Fatalf("unexpected model defaults: %+v", cfg.Providers)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.Providers.Transport != TransportHTTP {
		t.Fatalf("unexpected store/transport: %s %s", cfg.Store.Driver, cfg.Providers.Transport)
	}
	if cfg.Worker.MaxRetries != 0 || cfg.Rate.PerHour != 30 {
		t.Fatalf("unexpected worker/rate defaults: %+v %+v", cfg.Worker, cfg.Rate)
	}
	if cfg.Crypto.Enabled() {
		t.Fatalf("crypto should be disabled without keys")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"api needs jwt", map[string]string{"APP_MODE": "api"}, ErrMissingJWTSecret},
		{"bot needs token", map[string]string{"APP_MODE": "BOT"}, ErrMissingBotToken},
		{"firestore needs project", map[string]string{"JWT_SECRET": "x", "STORE_DRIVER": "firestore"}, ErrMissingFirestoreProject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	clearEnv(t)
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("PROVIDER_TRANSPORT", "grpc")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PROVIDER_TRANSPORT") {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestBotModeWithoutJWT(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_MODE", "bot")
	t.Setenv("BOT_TOKEN", "123:abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServesAPI() || !cfg.RunsBot() {
		t.Fatalf("bot mode should run only the bot")
	}
}

func TestLoadMasterKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "x")
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv("MASTER_KEY_B64", key)
	t.Setenv("MASTER_KEY_CURRENT_ID", "k1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Crypto.Enabled() || cfg.Crypto.CurrentKeyID != "k1" || len(cfg.Crypto.Keys["k1"]) != 32 {
		t.Fatalf("unexpected crypto config: %+v", cfg.Crypto)
	}

	t.Setenv("MASTER_KEY_B64", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := Load(); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}
