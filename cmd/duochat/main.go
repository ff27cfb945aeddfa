package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"duochat/internal/auth"
	"duochat/internal/chat"
	"duochat/internal/config"
	"duochat/internal/crypto"
	"duochat/internal/httpapi"
	"duochat/internal/metrics"
	"duochat/internal/netcheck"
	"duochat/internal/orchestrator"
	"duochat/internal/providers"
	"duochat/internal/providers/registry"
	"duochat/internal/queue"
	"duochat/internal/storage"
	"duochat/internal/storage/firestore"
	"duochat/internal/telegram"
	"duochat/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("duochat exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "duochat",
		Short:         "Ask OpenAI and Gemini side by side over HTTP and Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API, bot ingress and worker selected by APP_MODE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(newTokenCmd())
	return root
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API bearer token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
			if secret == "" {
				return config.ErrMissingJWTSecret
			}
			if ttl <= 0 {
				ttl = 24 * time.Hour
			}
			token, err := auth.NewSigner(secret, ttl).Sign(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("store", cfg.Store.Driver).
		Str("transport", cfg.Providers.Transport).
		Bool("bot", cfg.RunsBot()).
		Bool("sealed", cfg.Crypto.Enabled()).
		Msg("starting duochat")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, ping, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer closeBackend()
	store := chat.NewStore(backend)

	gateway, err := buildGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize providers: %w", err)
	}

	var reach netcheck.Checker = netcheck.Static(true)
	if cfg.Netcheck.Addr != "" {
		reach = netcheck.NewDialer(cfg.Netcheck.Addr, cfg.Netcheck.Timeout)
	}

	m := metrics.Global()
	hub := orchestrator.NewHub(orchestrator.HubConfig{
		BaseContext:  ctx,
		Gateway:      gateway,
		Stores:       func(string) orchestrator.SessionStore { return store },
		Reachability: reach,
		LoopBudget:   cfg.Loop.Budget,
		LoopPace:     cfg.Loop.Pace,
		IdleTTL:      cfg.Loop.IdleTTL,
		Logger:       log.Logger,
		Metrics:      m,
	})
	go hub.RunJanitor(ctx, janitorInterval(cfg.Loop.IdleTTL))

	errCh := make(chan error, 4)
	var (
		rdb     *redis.Client
		updater *ext.Updater
		webhook gin.HandlerFunc
	)

	if cfg.RunsBot() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()

		bot, err := gotgbot.NewBot(cfg.Bot.Token, nil)
		if err != nil {
			return fmt.Errorf("create telegram bot: %s", sanitizeTelegramErr(err, cfg.Bot.Token))
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

		jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
		updater, webhook, err = startIngress(cfg, bot, rdb, jobQueue, hub, m)
		if err != nil {
			return err
		}

		w := worker.New(worker.Config{
			Sender:        bot,
			Queue:         jobQueue,
			Hub:           hub,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	var signer *auth.Signer
	if cfg.ServesAPI() {
		signer = auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	}
	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Deps{
		Hub:         hub,
		Store:       store,
		Signer:      signer,
		Health:      healthCheck(ping, rdb),
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		Logger:      log.Logger,
	})
	if webhook != nil {
		router.POST("/"+cfg.Bot.SecretPath, webhook)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Bool("api", signer != nil).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	hub.StopAll(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
	return runErr
}

// janitorInterval sweeps four times per idle window, capped at once a minute.
func janitorInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	if every := idle / 4; every < time.Minute {
		return every
	}
	return time.Minute
}

// openBackend returns the configured document store, a liveness check for it
// and a close func.
func openBackend(ctx context.Context, cfg *config.Config) (chat.Backend, func(context.Context) error, func(), error) {
	var sealer *crypto.Manager
	if cfg.Crypto.Enabled() {
		m, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("crypto manager: %w", err)
		}
		sealer = m
	}
	codec := storage.NewCodec(sealer)

	if cfg.Store.Driver == config.StoreFirestore {
		fs, err := firestore.NewStore(ctx, cfg.Store.FirestoreProject, codec)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := fs.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close firestore client")
			}
		}
		return fs, nil, closeFn, nil
	}

	st, err := storage.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.AutoMigrate, cfg.Store.MigrationsDir)
	if err != nil {
		return nil, nil, nil, err
	}
	st.UseCodec(codec)
	closeFn := func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
	return st, st.DB().PingContext, closeFn, nil
}

func buildGateway(ctx context.Context, cfg *config.Config) (*providers.Gateway, error) {
	client := &http.Client{Timeout: cfg.Providers.Timeout}
	settings := map[chat.Source]config.ProviderConfig{
		chat.SourceOpenAI: cfg.Providers.OpenAI,
		chat.SourceGemini: cfg.Providers.Gemini,
	}

	bindings := make(map[chat.Source]providers.Binding, len(settings))
	for src, pc := range settings {
		kind, err := registry.KindFor(src, cfg.Providers.Transport)
		if err != nil {
			return nil, err
		}
		if pc.APIKey == "" {
			log.Warn().Str("source", string(src)).Msg("api key not set; calls will be rejected upstream")
		}
		b, err := registry.Build(ctx, registry.BuildOptions{
			Kind:       kind,
			BaseURL:    pc.BaseURL,
			APIKey:     pc.APIKey,
			Model:      pc.Model,
			HTTPClient: client,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s provider: %w", src, err)
		}
		bindings[src] = b
	}
	return providers.NewGateway(bindings, log.Logger), nil
}

// startIngress registers the bot handlers and starts polling, or returns the
// webhook handler to mount on the http router.
func startIngress(cfg *config.Config, bot *gotgbot.Bot, rdb *redis.Client, jobQueue *queue.StreamQueue, hub *orchestrator.Hub, m *metrics.Metrics) (*ext.Updater, gin.HandlerFunc, error) {
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Bot.Token))
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:  queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
			Metrics: m,
			Logger:  log.Logger,
		},
	})
	service := telegram.NewService(telegram.Config{
		Hub:            hub,
		Queue:          jobQueue,
		Quota:          queue.NewSendQuota(rdb, cfg.Rate.PerHour),
		Redis:          rdb,
		PendingTTL:     cfg.Bot.PendingTTL,
		CommandTimeout: cfg.Bot.CommandTimeout,
		Logger:         log.Logger,
		Metrics:        m,
	})
	service.Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})

	if cfg.Bot.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			return nil, nil, fmt.Errorf("start polling: %s", sanitizeTelegramErr(err, cfg.Bot.Token))
		}
		log.Info().Msg("polling mode started")
		return updater, nil, nil
	}

	if cfg.Bot.PublicURL == "" {
		return nil, nil, errors.New("WEBHOOK_URL is required unless DEV_POLLING is set")
	}
	path := cfg.Bot.SecretPath
	if path == "" {
		path = "telegram"
		cfg.Bot.SecretPath = path
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Bot.SecretToken}); err != nil {
		return nil, nil, fmt.Errorf("configure webhook handler: %w", err)
	}
	webhookURL := strings.TrimSuffix(cfg.Bot.PublicURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
		DropPendingUpdates: false,
		SecretToken:        cfg.Bot.SecretToken,
		RequestOpts: &gotgbot.RequestOpts{
			Timeout: cfg.Bot.WebhookTimeout,
		},
	}); err != nil {
		return nil, nil, fmt.Errorf("set telegram webhook: %s", sanitizeTelegramErr(err, cfg.Bot.Token))
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
	return updater, gin.WrapF(updater.GetHandlerFunc("/")), nil
}

func healthCheck(db func(context.Context) error, rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := db(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
