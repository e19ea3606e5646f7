// Package channels adapts the fabric's Session to external chat
// surfaces. The Telegram adapter is a thin shim: it forwards allowed
// users' messages into Session.SendMessage and polls
// Session.DrainNotifications to relay background-work results back out.
// It carries no scheduling logic of its own; only the transport is
// concrete here.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the subset of *session.Session a TelegramChannel depends on,
// kept as an interface (rather than importing internal/session directly)
// so tests substitute a fake instead of standing up a live store, runner,
// dispatcher, and worker pool just to exercise the Telegram transport.
type Sender interface {
	SendMessage(ctx context.Context, userMessage string) SessionResult
	DrainNotifications(ctx context.Context) ([]string, error)
}

// SessionResult mirrors the fields of session.MessageResult this channel
// actually reads, so it doesn't need to import internal/session for a
// single struct shape.
type SessionResult struct {
	Success bool
	Output  string
	Error   map[string]any
}

// Config configures a TelegramChannel.
type Config struct {
	Token          string
	ChatID         int64
	AllowedUserIDs []int64 // empty means allow anyone
	PollInterval   time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// botAPI is the subset of tgbotapi.BotAPI this channel calls, so tests can
// substitute a fake rather than hitting the live Telegram API.
type botAPI interface {
	GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel relays between a Telegram chat and a Session: incoming
// messages become SendMessage calls, and notifications drained from the
// Session become outgoing Telegram messages.
type TelegramChannel struct {
	cfg     Config
	session Sender
	allowed map[int64]struct{}

	bot botAPI
}

// NewTelegramChannel constructs a channel against a live Telegram bot.
func NewTelegramChannel(cfg Config, session Sender) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	return newTelegramChannel(cfg, session, bot), nil
}

func newTelegramChannel(cfg Config, session Sender, bot botAPI) *TelegramChannel {
	cfg = cfg.withDefaults()
	allowed := make(map[int64]struct{}, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{cfg: cfg, session: session, allowed: allowed, bot: bot}
}

// Run blocks, polling Telegram for incoming messages and draining
// notifications, until ctx is canceled. It reconnects the update stream
// with exponential backoff; the long-poll transport stalls silently
// rather than erroring.
func (c *TelegramChannel) Run(ctx context.Context) {
	go c.drainNotificationsLoop(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := c.bot.GetUpdatesChan(u)

		err := c.pollUpdates(ctx, updates)
		c.bot.StopReceivingUpdates()
		if err == nil {
			return
		}

		c.cfg.Logger.Warn("telegram: poll disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			c.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

func (c *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !c.isAllowed(msg.From.ID) {
		c.cfg.Logger.Warn("telegram: access denied", "user_id", msg.From.ID)
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	result := c.session.SendMessage(ctx, content)
	if !result.Success {
		errMsg, _ := result.Error["message"].(string)
		if errMsg == "" {
			errMsg = "message failed"
		}
		c.reply(msg.Chat.ID, fmt.Sprintf("error: %s", errMsg))
		return
	}
	c.reply(msg.Chat.ID, result.Output)
}

func (c *TelegramChannel) isAllowed(userID int64) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[userID]
	return ok
}

// drainNotificationsLoop periodically drains Session.DrainNotifications
// and relays each message to the configured chat, so worker-path results
// reach the user.
func (c *TelegramChannel) drainNotificationsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, err := c.session.DrainNotifications(ctx)
			if err != nil {
				c.cfg.Logger.Error("telegram: draining notifications", "error", err)
				continue
			}
			for _, m := range messages {
				c.reply(c.cfg.ChatID, m)
			}
		}
	}
}

func (c *TelegramChannel) reply(chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.cfg.Logger.Error("telegram: sending reply", "error", err)
	}
}
