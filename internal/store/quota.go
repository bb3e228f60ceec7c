package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellarlinkco/personasurvey/internal/quota"
)

var _ quota.Gate = (*Store)(nil)

type subscriptionLimits struct {
	id             int64
	maxProjects    int
	maxRespondents int
	remaining      int64
}

func (s *Store) activeSubscription(row func(q string, args ...any) *sql.Row, userID int64, lock string) (subscriptionLimits, error) {
	var l subscriptionLimits
	err := row(`
		SELECT id, max_projects, max_respondents_per_survey, remaining_interactions
		FROM subscriptions
		WHERE user_id = ? AND status = 'active' AND (expires_at = 0 OR expires_at > ?)
		ORDER BY id DESC LIMIT 1`+lock, userID, s.now().Unix()).
		Scan(&l.id, &l.maxProjects, &l.maxRespondents, &l.remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return l, quota.ErrNoSubscription
	}
	if err != nil {
		return l, fmt.Errorf("load subscription: %w", err)
	}
	return l, nil
}

func (t *txn) rowFunc(ctx context.Context) func(string, ...any) *sql.Row {
	return func(q string, args ...any) *sql.Row { return t.queryRow(ctx, q, args...) }
}

// CheckAndReserve applies the subscription limits in order and deducts r.Units when
// all pass. The checks and the deduction share one transaction.
func (s *Store) CheckAndReserve(ctx context.Context, r quota.Reservation) error {
	return s.tx(ctx, func(t *txn) error {
		sub, err := s.activeSubscription(t.rowFunc(ctx), r.UserID, t.d.forUpdate())
		if err != nil {
			return err
		}

		var activeProjects int
		if err := t.queryRow(ctx, `SELECT COUNT(*) FROM projects WHERE user_id = ? AND status = 'active'`, r.UserID).Scan(&activeProjects); err != nil {
			return fmt.Errorf("count active projects: %w", err)
		}
		if activeProjects > sub.maxProjects {
			return fmt.Errorf("%w: %d active, maximum %d", quota.ErrProjectLimit, activeProjects, sub.maxProjects)
		}
		if r.Respondents > sub.maxRespondents {
			return fmt.Errorf("%w: %d requested, maximum %d", quota.ErrRespondentLimit, r.Respondents, sub.maxRespondents)
		}
		if r.Units > sub.remaining {
			return fmt.Errorf("%w: %d needed, %d available", quota.ErrInsufficientCredits, r.Units, sub.remaining)
		}

		if _, err := t.exec(ctx, `UPDATE subscriptions SET remaining_interactions = remaining_interactions - ? WHERE id = ?`, r.Units, sub.id); err != nil {
			return fmt.Errorf("deduct interactions: %w", err)
		}
		return nil
	})
}

// Release returns units to the user's active subscription.
func (s *Store) Release(ctx context.Context, userID int64, units int64) error {
	if units <= 0 {
		return nil
	}
	return s.tx(ctx, func(t *txn) error {
		sub, err := s.activeSubscription(t.rowFunc(ctx), userID, t.d.forUpdate())
		if err != nil {
			return err
		}
		if _, err := t.exec(ctx, `UPDATE subscriptions SET remaining_interactions = remaining_interactions + ? WHERE id = ?`, units, sub.id); err != nil {
			return fmt.Errorf("release interactions: %w", err)
		}
		return nil
	})
}

func (s *Store) RemainingInteractions(ctx context.Context, userID int64) (int64, error) {
	row := func(q string, args ...any) *sql.Row { return s.queryRow(ctx, q, args...) }
	sub, err := s.activeSubscription(row, userID, "")
	if err != nil {
		return 0, err
	}
	return sub.remaining, nil
}
