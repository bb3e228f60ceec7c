package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellarlinkco/personasurvey/internal/counter"
)

// Counters exposes the counters table as a counter.Store, for deployments where
// workers share the database but not a redis.
type Counters struct {
	s *Store
}

var _ counter.Store = (*Counters)(nil)

func (s *Store) Counters() *Counters { return &Counters{s: s} }

func (c *Counters) Incr(ctx context.Context, key string) (int64, error) {
	var v int64
	err := c.s.tx(ctx, func(t *txn) error {
		return t.queryRow(ctx, `
			INSERT INTO counters (key, value) VALUES (?, 1)
			ON CONFLICT (key) DO UPDATE SET value = counters.value + 1
			RETURNING value
		`, key).Scan(&v)
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return v, nil
}

func (c *Counters) Set(ctx context.Context, key string, value int64) error {
	err := c.s.tx(ctx, func(t *txn) error {
		_, err := t.exec(ctx, `
			INSERT INTO counters (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *Counters) Get(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := c.s.queryRow(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}
