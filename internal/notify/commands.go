package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// StatsSource answers /stats and /status. The signal store satisfies it.
type StatsSource interface {
	Statistics(ctx context.Context) (position.Statistics, error)
	ActiveSignals(ctx context.Context) ([]*signal.Signal, error)
}

// Commands handles chat commands received through long polling.
type Commands struct {
	tg          *Telegram
	subs        *Subscribers
	stats       StatsSource
	pollTimeout time.Duration
	offset      int64
	log         zerolog.Logger
}

// NewCommands wires the command loop. stats may be nil.
func NewCommands(tg *Telegram, subs *Subscribers, stats StatsSource, log zerolog.Logger) *Commands {
	return &Commands{
		tg:          tg,
		subs:        subs,
		stats:       stats,
		pollTimeout: 25 * time.Second,
		log:         log.With().Str("component", "commands").Logger(),
	}
}

const helpText = "Commands:\n/start - subscribe to signals\n/stop - unsubscribe\n/stats - performance statistics\n/status - active signals"

// Run polls for updates until ctx is done.
func (c *Commands) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := c.tg.GetUpdates(ctx, c.offset, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			c.Handle(ctx, u)
		}
	}
}

// Handle answers one update.
func (c *Commands) Handle(ctx context.Context, u Update) {
	if u.Message == nil {
		return
	}
	chat := u.Message.Chat.ID
	cmd := strings.Fields(strings.TrimSpace(u.Message.Text))
	if len(cmd) == 0 {
		return
	}
	name := strings.ToLower(strings.SplitN(cmd[0], "@", 2)[0])

	var reply string
	switch name {
	case "/start":
		created, err := c.subs.Add(Subscriber{
			ChatID:       chat,
			Username:     u.Message.From.Username,
			FirstName:    u.Message.From.FirstName,
			LastName:     u.Message.From.LastName,
			LanguageCode: u.Message.From.LanguageCode,
		})
		if err != nil {
			c.log.Error().Err(err).Int64("chat_id", chat).Msg("subscribe failed")
			reply = DataUnavailable
			break
		}
		if created {
			reply = "✅ Subscribed. You will receive EMA touch signals.\n\n" + helpText
		} else {
			reply = "You are already subscribed.\n\n" + helpText
		}
	case "/stop":
		if err := c.subs.Remove(chat); err != nil {
			c.log.Error().Err(err).Int64("chat_id", chat).Msg("unsubscribe failed")
		}
		reply = "Unsubscribed. Send /start to subscribe again."
	case "/stats":
		c.touch(chat)
		reply = c.statsReply(ctx)
	case "/status":
		c.touch(chat)
		reply = c.statusReply(ctx)
	default:
		c.touch(chat)
		reply = helpText
	}
	if err := c.tg.Send(ctx, chat, reply); err != nil {
		c.log.Warn().Err(err).Int64("chat_id", chat).Str("command", name).Msg("reply failed")
	}
}

func (c *Commands) touch(chat int64) {
	if err := c.subs.Touch(chat); err != nil {
		c.log.Warn().Err(err).Int64("chat_id", chat).Msg("activity update failed")
	}
}

func (c *Commands) statsReply(ctx context.Context) string {
	if c.stats == nil {
		return DataUnavailable
	}
	st, err := c.stats.Statistics(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("statistics unavailable")
		return DataUnavailable
	}
	return FormatStats(st)
}

func (c *Commands) statusReply(ctx context.Context) string {
	if c.stats == nil {
		return DataUnavailable
	}
	active, err := c.stats.ActiveSignals(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("active signals unavailable")
		return DataUnavailable
	}
	_, subs := c.subs.Count()
	return FormatStatus(active) + "\n\nSubscribers: " + strconv.Itoa(subs)
}
