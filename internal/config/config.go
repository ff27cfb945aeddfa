package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeAll = "ALL"
	ModeAPI = "API"
	ModeBot = "BOT"

	StoreSQLite    = "sqlite"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"

	TransportHTTP = "http"
	TransportSDK  = "sdk"
)

var (
	ErrMissingBotToken         = errors.New("BOT_TOKEN is required in BOT mode")
	ErrMissingJWTSecret        = errors.New("JWT_SECRET is required when the API is served")
	ErrMissingDatabaseDSN      = errors.New("DB_DSN is required")
	ErrMissingFirestoreProject = errors.New("FIRESTORE_PROJECT is required for the firestore store")
)

type Config struct {
	AppMode string

	HTTP      HTTPConfig
	Auth      AuthConfig
	Providers ProvidersConfig
	Store     StoreConfig
	Loop      LoopConfig
	Netcheck  NetcheckConfig
	Bot       BotConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Rate      RateConfig
	Crypto    CryptoConfig
	Log       LogConfig
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Gemini    ProviderConfig
	Transport string
	Timeout   time.Duration
}

type StoreConfig struct {
	Driver           string
	DSN              string
	AutoMigrate      bool
	MigrationsDir    string
	FirestoreProject string
}

type LoopConfig struct {
	Budget  time.Duration
	Pace    time.Duration
	IdleTTL time.Duration
}

type NetcheckConfig struct {
	Addr    string
	Timeout time.Duration
}

type BotConfig struct {
	Token          string
	DevPolling     bool
	PublicURL      string
	SecretPath     string
	SecretToken    string
	WebhookTimeout time.Duration
	PendingTTL     time.Duration
	CommandTimeout time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
	UpdateTTL   time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type RateConfig struct {
	PerHour int64
}

// CryptoConfig is empty when no master key is configured; turns are then
// stored unsealed.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func (c CryptoConfig) Enabled() bool { return len(c.Keys) > 0 }

type LogConfig struct {
	Level string
}

// ServesAPI reports whether the gin API is mounted.
func (c *Config) ServesAPI() bool { return c.AppMode == ModeAll || c.AppMode == ModeAPI }

// RunsBot reports whether bot ingress and the worker pool run. In ALL mode
// they are skipped when no bot token is set.
func (c *Config) RunsBot() bool {
	switch c.AppMode {
	case ModeBot:
		return true
	case ModeAll:
		return c.Bot.Token != ""
	default:
		return false
	}
}

func Load() (*Config, error) {
	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		Auth: AuthConfig{
			JWTSecret: mustEnv("JWT_SECRET", ""),
			TokenTTL:  mustDuration("JWT_TTL", 24*time.Hour),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:  mustEnv("OPENAI_API_KEY", ""),
				BaseURL: mustEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Model:   mustEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
			},
			Gemini: ProviderConfig{
				APIKey:  mustEnv("GEMINI_API_KEY", ""),
				BaseURL: mustEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				Model:   mustEnv("GEMINI_MODEL", "gemini-1.5-pro"),
			},
			Transport: strings.ToLower(mustEnv("PROVIDER_TRANSPORT", TransportHTTP)),
			Timeout:   mustDuration("HTTP_TIMEOUT", 60*time.Second),
		},
		Store: StoreConfig{
			Driver:           strings.ToLower(mustEnv("STORE_DRIVER", StoreSQLite)),
			DSN:              mustEnv("DB_DSN", "file:duochat.db?_pragma=busy_timeout(5000)"),
			AutoMigrate:      mustBool("AUTO_MIGRATE", true),
			MigrationsDir:    mustEnv("MIGRATIONS_DIR", "migrations"),
			FirestoreProject: mustEnv("FIRESTORE_PROJECT", ""),
		},
		Loop: LoopConfig{
			Budget:  mustDuration("LOOP_BUDGET", 30*time.Second),
			Pace:    mustDuration("LOOP_PACE", time.Second),
			IdleTTL: mustDuration("AGENT_IDLE_TTL", time.Hour),
		},
		Netcheck: NetcheckConfig{
			Addr:    mustEnv("NETCHECK_ADDR", "generativelanguage.googleapis.com:443"),
			Timeout: mustDuration("NETCHECK_TIMEOUT", 3*time.Second),
		},
		Bot: BotConfig{
			Token:          mustEnv("BOT_TOKEN", ""),
			DevPolling:     mustBool("DEV_POLLING", false),
			PublicURL:      mustEnv("WEBHOOK_URL", ""),
			SecretPath:     strings.Trim(mustEnv("WEBHOOK_SECRET_PATH", "telegram"), "/"),
			SecretToken:    mustEnv("WEBHOOK_SECRET_TOKEN", ""),
			WebhookTimeout: mustDuration("WEBHOOK_TIMEOUT", 8*time.Second),
			PendingTTL:     mustDuration("PENDING_PROMPT_TTL", 10*time.Minute),
			CommandTimeout: mustDuration("BOT_COMMAND_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "duochat:jobs"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "duochat-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
			UpdateTTL:   mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 0),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 30),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.AppMode != ModeAll && cfg.AppMode != ModeAPI && cfg.AppMode != ModeBot {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if cfg.ServesAPI() && cfg.Auth.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}
	if cfg.AppMode == ModeBot && cfg.Bot.Token == "" {
		return nil, ErrMissingBotToken
	}
	if cfg.Providers.Transport != TransportHTTP && cfg.Providers.Transport != TransportSDK {
		return nil, fmt.Errorf("unsupported PROVIDER_TRANSPORT %q", cfg.Providers.Transport)
	}
	switch cfg.Store.Driver {
	case StoreSQLite, StorePostgres:
		if cfg.Store.DSN == "" {
			return nil, ErrMissingDatabaseDSN
		}
	case StoreFirestore:
		if cfg.Store.FirestoreProject == "" {
			return nil, ErrMissingFirestoreProject
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.Store.Driver)
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
