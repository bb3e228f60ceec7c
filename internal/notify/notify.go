// Package notify delivers operator messages about run completion and stalls.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/logging"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Log writes messages to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logging.OrNop(logger).Named("notify")}
}

func (l *Log) Notify(_ context.Context, text string) error {
	l.logger.Info("notification", zap.String("text", text))
	return nil
}

type multi []Notifier

// Multi fans a message out to every notifier. All of them are tried even
// when one fails.
func Multi(notifiers ...Notifier) Notifier {
	out := make(multi, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
