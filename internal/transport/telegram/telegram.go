// Package telegram delivers text through the Telegram Bot API using telebot.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"rcbot/internal/transport"
	"rcbot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot-api servers).
	APIURL         string
	RequestTimeout time.Duration
	// SkipVerify skips the getMe probe in Start.
	SkipVerify bool
}

// Adapter is a transport.Adapter backed by a telebot Bot. It only sends;
// incoming updates are never polled.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu       sync.Mutex
	started  bool
	username string
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Start verifies the token once.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if !a.cfg.SkipVerify {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := a.bot.Raw("getMe", nil)
		if err != nil {
			return err
		}
		var resp struct {
			Result tele.User `json:"result"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		a.username = resp.Result.Username
		a.log.Info("telegram ready", logx.String("bot", a.username))
	}
	a.started = true
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	a.log.Debug("telegram stopped")
	return nil
}

// Username is the bot's handle as reported by getMe, empty until Start.
func (a *Adapter) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username
}

// SendText sends text, split into Telegram-sized chunks. The returned ref is
// the first chunk's message.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
