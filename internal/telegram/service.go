package telegram

import (
	"context"
	"strconv"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"duochat/internal/auth"
	"duochat/internal/metrics"
	"duochat/internal/orchestrator"
	"duochat/internal/queue"
)

// Service maps bot commands onto the per-user orchestrators. Slow work
// (asks and loops) goes through the job queue.
type Service struct {
	hub            *orchestrator.Hub
	queue          *queue.StreamQueue
	quota          *queue.SendQuota
	pending        *pendingStore
	commandTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

type Config struct {
	Hub   *orchestrator.Hub
	Queue *queue.StreamQueue
	Quota *queue.SendQuota
	// Redis backs pending prompts; nil disables them.
	Redis      *redis.Client
	PendingTTL time.Duration
	// CommandTimeout bounds one command or button press, store and queue
	// calls included.
	CommandTimeout time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	var pending *pendingStore
	if cfg.Redis != nil {
		pending = newPendingStore(cfg.Redis, cfg.PendingTTL)
	}
	return &Service{
		hub:            cfg.Hub,
		queue:          cfg.Queue,
		quota:          cfg.Quota,
		pending:        pending,
		commandTimeout: cfg.CommandTimeout,
		logger:         cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:        m,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("new", s.newSession))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("prefer", s.prefer))
	d.AddHandler(handlers.NewCommand("save", s.save))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("open", s.open))
	d.AddHandler(handlers.NewCommand("loop", s.loop))
	d.AddHandler(handlers.NewCommand("stop", s.stop))
	d.AddHandler(handlers.NewCommand("status", s.status))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelPending))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !message.Command(msg)
	}, s.privateText))
}

// UserID is the authenticated user id of a Telegram account.
func UserID(telegramID int64) string {
	return "tg:" + strconv.FormatInt(telegramID, 10)
}

// scoped returns a context carrying the Telegram user as the authenticated user.
func scoped(ctx context.Context, telegramID int64) context.Context {
	return auth.WithUser(ctx, UserID(telegramID))
}

// commandContext scopes one update to its Telegram user under the command
// deadline.
func (s *Service) commandContext(telegramID int64) (context.Context, context.CancelFunc) {
	return context.WithTimeout(scoped(context.Background(), telegramID), s.commandTimeout)
}
