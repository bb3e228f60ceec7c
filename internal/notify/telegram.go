package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/logging"
)

// Telegram caps messages at 4096 characters.
const maxMessageLen = 4000

// Sender is the part of tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates the bot client. Tests swap it for a fake.
type BotFactory func(token, apiEndpoint string, client *http.Client) (Sender, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Sender, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// Telegram sends notifications to a fixed set of chats. The bot is created on
// first use so startup never blocks on the Telegram API.
type Telegram struct {
	token   string
	proxy   string
	chatIDs []int64
	factory BotFactory
	logger  *zap.Logger

	mu  sync.Mutex
	bot Sender
}

func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, logger, defaultBotFactory)
}

func NewTelegramWithFactory(cfg config.TelegramConfig, logger *zap.Logger, factory BotFactory) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("telegram chatIds are required")
	}
	if cfg.Proxy != "" {
		if _, err := url.Parse(cfg.Proxy); err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
	}
	return &Telegram{
		token:   cfg.Token,
		proxy:   cfg.Proxy,
		chatIDs: append([]int64(nil), cfg.ChatIDs...),
		factory: factory,
		logger:  logging.OrNop(logger).Named("telegram"),
	}, nil
}

func (t *Telegram) client() (Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	httpClient := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		httpClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}
	bot, err := t.factory(t.token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("bot ready", zap.Int("chats", len(t.chatIDs)))
	return bot, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	for _, chatID := range t.chatIDs {
		for _, chunk := range split(text, maxMessageLen) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
				return fmt.Errorf("send telegram message to %d: %w", chatID, err)
			}
		}
	}
	return nil
}

// split cuts s into pieces of at most n bytes, preferring newline boundaries.
func split(s string, n int) []string {
	var out []string
	for len(s) > n {
		cut := strings.LastIndex(s[:n], "\n")
		if cut <= 0 {
			cut = n
		}
		out = append(out, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" || len(out) == 0 {
		out = append(out, s)
	}
	return out
}
