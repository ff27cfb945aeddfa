package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"duochat/internal/metrics"
	"duochat/internal/queue"
)

// Processor drops updates that were already handled, so redelivery after a
// restart or by a second replica does not run a command twice.
type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  *queue.UpdateDeduplicator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if p.Dedupe != nil {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		first, err := p.Dedupe.MarkFirst(dctx, ctx.UpdateId)
		cancel()
		switch {
		case err != nil:
			// Redis being down must not silence the bot.
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		case !first:
			p.Logger.Debug().Int64("update_id", ctx.UpdateId).Msg("duplicate update skipped")
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}
