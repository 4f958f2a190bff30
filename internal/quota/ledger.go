// Package quota implements the per-user daily build allowance: check,
// consume, and refund, with an implicit lazy day rollover.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/packwright/packwright/internal/build"
)

// Wallet is the user's quota ledger entry. DailyBuildsResetAt is a
// server-local date string; when it is not "today" the used counter is
// treated as zero before any check or deduction.
type Wallet struct {
	UserID             string `json:"user_id"`
	DailyBuildsLimit   int    `json:"daily_builds_limit"`
	DailyBuildsUsed    int    `json:"daily_builds_used"`
	DailyBuildsResetAt string `json:"daily_builds_reset_at"`
	FileRetentionDays  int    `json:"file_retention_days"`
}

// EffectiveUsed returns the used counter after the lazy rollover.
func (w *Wallet) EffectiveUsed(today string) int {
	if w.DailyBuildsResetAt != today {
		return 0
	}
	return w.DailyBuildsUsed
}

// Today formats the server-local date used as the reset marker.
func Today() string {
	return time.Now().Format("2006-01-02")
}

// Store is the persistence capability the ledger runs on. The conditional
// consume must be atomic at the storage layer: it applies the rollover,
// checks used+n <= limit, and deducts in one operation, returning false
// (with the row untouched) when the check fails.
type Store interface {
	GetOrCreate(ctx context.Context, userID string) (*Wallet, error)
	ConsumeDaily(ctx context.Context, userID string, n int, today string) (bool, error)
	RefundDaily(ctx context.Context, userID string, n int, today string) error
}

// Check is the result of a non-mutating quota probe.
type Check struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
}

// Ledger layers quota policy over a Store.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// CheckDaily reports whether n more builds fit in today's window.
func (l *Ledger) CheckDaily(ctx context.Context, userID string, n int) (Check, error) {
	w, err := l.store.GetOrCreate(ctx, userID)
	if err != nil {
		return Check{}, err
	}
	used := w.EffectiveUsed(Today())
	remaining := w.DailyBuildsLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return Check{
		Allowed:   n <= remaining,
		Remaining: remaining,
		Limit:     w.DailyBuildsLimit,
	}, nil
}

// ConsumeDaily deducts n units or returns ErrQuotaExceeded leaving the
// ledger unchanged. The wallet row is seeded first so new users get their
// plan defaults.
func (l *Ledger) ConsumeDaily(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: consume count must be positive", build.ErrInvalidInput)
	}
	if _, err := l.store.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	ok, err := l.store.ConsumeDaily(ctx, userID, n, Today())
	if err != nil {
		return err
	}
	if !ok {
		return build.ErrQuotaExceeded
	}
	return nil
}

// RefundDaily returns n units to today's window. Callers treat failures as
// best-effort and log them; a refund must never fail its parent operation.
func (l *Ledger) RefundDaily(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	return l.store.RefundDaily(ctx, userID, n, Today())
}

// RetentionDays returns the plan-derived artifact retention window, used to
// fix expires_at at submission time.
func (l *Ledger) RetentionDays(ctx context.Context, userID string) (int, error) {
	w, err := l.store.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.FileRetentionDays, nil
}
