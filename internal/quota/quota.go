// Package quota defines the subscription gate a run must pass before dispatch.
package quota

import (
	"context"
	"errors"
	"fmt"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// Each limit error matches ErrQuotaExceeded with errors.Is.
var (
	ErrNoSubscription      = fmt.Errorf("%w: no active subscription", ErrQuotaExceeded)
	ErrProjectLimit        = fmt.Errorf("%w: project limit exceeded", ErrQuotaExceeded)
	ErrRespondentLimit     = fmt.Errorf("%w: respondents per survey limit exceeded", ErrQuotaExceeded)
	ErrInsufficientCredits = fmt.Errorf("%w: insufficient interaction credits", ErrQuotaExceeded)
)

// Reservation asks for Units interactions for a run over Respondents personas.
type Reservation struct {
	UserID      int64
	Respondents int
	Units       int64
}

// Gate checks and deducts subscription limits. CheckAndReserve is all or nothing:
// on error nothing was deducted.
type Gate interface {
	CheckAndReserve(ctx context.Context, r Reservation) error
	Release(ctx context.Context, userID int64, units int64) error
}
