package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/personasurvey/internal/config"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func factoryFor(s Sender, calls *int) BotFactory {
	return func(token, endpoint string, _ *http.Client) (Sender, error) {
		*calls++
		if token != "tok" || endpoint != tgbotapi.APIEndpoint {
			return nil, errors.New("unexpected bot params")
		}
		return s, nil
	}
}

func TestNewTelegram_Validation(t *testing.T) {
	if _, err := NewTelegram(config.TelegramConfig{ChatIDs: []int64{1}}, nil); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := NewTelegram(config.TelegramConfig{Token: "tok"}, nil); err == nil {
		t.Error("expected error for missing chat ids")
	}
	if _, err := NewTelegram(config.TelegramConfig{Token: "tok", ChatIDs: []int64{1}, Proxy: "http://127.0.0.1:8080"}, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTelegram_NotifySendsToEveryChat(t *testing.T) {
	sender := &fakeSender{}
	calls := 0
	tg, err := NewTelegramWithFactory(config.TelegramConfig{Token: "tok", ChatIDs: []int64{10, 20}}, nil, factoryFor(sender, &calls))
	if err != nil {
		t.Fatalf("NewTelegramWithFactory: %v", err)
	}

	if err := tg.Notify(context.Background(), "run 5 finished"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := tg.Notify(context.Background(), "run 6 finished"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
	if len(sender.sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(sender.sent))
	}
	if sender.sent[0].ChatID != 10 || sender.sent[1].ChatID != 20 {
		t.Errorf("chat ids = %d, %d", sender.sent[0].ChatID, sender.sent[1].ChatID)
	}
	if sender.sent[2].Text != "run 6 finished" {
		t.Errorf("text = %q", sender.sent[2].Text)
	}
}

func TestTelegram_FactoryErrorRetriedOnNextNotify(t *testing.T) {
	sender := &fakeSender{}
	fail := true
	factory := func(string, string, *http.Client) (Sender, error) {
		if fail {
			return nil, errors.New("getMe: unauthorized")
		}
		return sender, nil
	}
	tg, _ := NewTelegramWithFactory(config.TelegramConfig{Token: "tok", ChatIDs: []int64{1}}, nil, factory)

	if err := tg.Notify(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("Notify error = %v", err)
	}
	fail = false
	if err := tg.Notify(context.Background(), "x"); err != nil {
		t.Fatalf("Notify after recovery: %v", err)
	}
}

func TestTelegram_SendErrorAndCanceledContext(t *testing.T) {
	sender := &fakeSender{err: errors.New("blocked by user")}
	calls := 0
	tg, _ := NewTelegramWithFactory(config.TelegramConfig{Token: "tok", ChatIDs: []int64{1}}, nil, factoryFor(sender, &calls))
	if err := tg.Notify(context.Background(), "x"); err == nil {
		t.Error("expected send error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender.err = nil
	if err := tg.Notify(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages on canceled context", len(sender.sent))
	}
}

func TestSplit(t *testing.T) {
	if got := split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("split short = %q", got)
	}
	got := split("line one\nline two", 12)
	if len(got) != 2 || got[0] != "line one" || got[1] != "line two" {
		t.Errorf("split at newline = %q", got)
	}
	got = split(strings.Repeat("a", 25), 10)
	if len(got) != 3 || got[2] != "aaaaa" {
		t.Errorf("split hard = %q", got)
	}
}

type recorder struct {
	msgs []string
	err  error
}

func (r *recorder) Notify(_ context.Context, text string) error {
	r.msgs = append(r.msgs, text)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recorder{err: errors.New("a down")}
	b := &recorder{}
	n := Multi(a, nil, b)

	err := n.Notify(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "a down") {
		t.Errorf("err = %v", err)
	}
	if len(a.msgs) != 1 || len(b.msgs) != 1 {
		t.Errorf("fan out = %d, %d", len(a.msgs), len(b.msgs))
	}

	if single := Multi(b); single != Notifier(b) {
		t.Error("Multi of one notifier should return it unchanged")
	}
	if err := Multi().Notify(context.Background(), "x"); err != nil {
		t.Errorf("empty Multi: %v", err)
	}
	if err := (Nop{}).Notify(context.Background(), "x"); err != nil {
		t.Errorf("Nop: %v", err)
	}
	if err := NewLog(nil).Notify(context.Background(), "x"); err != nil {
		t.Errorf("Log: %v", err)
	}
}
