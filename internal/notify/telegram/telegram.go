// Package telegram is a send-only push adapter backed by the Bot API. It
// exists so the engine has a real delivery channel without a mobile push
// stack; each user id is mapped to a chat id in config.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindd/internal/notify"
	logx "remindd/pkg/logx"
)

var ErrUnknownUser = errors.New("telegram: no chat mapped for user")

type Config struct {
	Enabled bool
	Token   string
	// Chats maps engine user ids to Telegram chat ids.
	Chats map[string]int64
}

type Pusher struct {
	mu    sync.RWMutex
	bot   *tele.Bot
	chats map[string]int64
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Pusher, error) {
	if !cfg.Enabled {
		return nil, errors.New("telegram: disabled")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: empty token")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: nil, // send-only; we never long-poll
		OnError: func(err error, _ tele.Context) {
			log.Error("telegram error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	chats := make(map[string]int64, len(cfg.Chats))
	for k, v := range cfg.Chats {
		chats[k] = v
	}
	return &Pusher{bot: bot, chats: chats, log: log}, nil
}

// UpdateChats swaps the user->chat mapping, used on config reload.
func (p *Pusher) UpdateChats(chats map[string]int64) {
	next := make(map[string]int64, len(chats))
	for k, v := range chats {
		next[k] = v
	}
	p.mu.Lock()
	p.chats = next
	p.mu.Unlock()
}

func (p *Pusher) Push(ctx context.Context, userID string, msg notify.Message) error {
	p.mu.RLock()
	chatID, ok := p.chats[userID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		return ctx.Err()
	}

	_, err := p.bot.Send(&tele.Chat{ID: chatID}, render(msg), &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return nil
}

func render(msg notify.Message) string {
	var b strings.Builder
	b.WriteString(msg.Title)
	if msg.Body != "" {
		b.WriteString("\n")
		b.WriteString(msg.Body)
	}
	return b.String()
}
