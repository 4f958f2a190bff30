package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packwright/packwright/internal/quota"
)

// WalletRepository persists the per-user quota ledger. The daily counter is
// lazily reset: every statement compares the stored reset marker against the
// caller-supplied "today" string instead of relying on a scheduled job.
type WalletRepository struct {
	pool          *pgxpool.Pool
	defaultLimit  int
	retentionDays int
}

func NewWalletRepository(pool *pgxpool.Pool, defaultDailyLimit, defaultRetentionDays int) *WalletRepository {
	return &WalletRepository{
		pool:          pool,
		defaultLimit:  defaultDailyLimit,
		retentionDays: defaultRetentionDays,
	}
}

// GetOrCreate loads the wallet, seeding plan defaults on first use. Payment
// and plan-upgrade flows adjust the row out of band.
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID string) (*quota.Wallet, error) {
	var w quota.Wallet
	err := r.pool.QueryRow(ctx, `SELECT user_id, daily_builds_limit, daily_builds_used, daily_builds_reset_at, file_retention_days
		FROM user_wallets WHERE user_id=$1`, userID).
		Scan(&w.UserID, &w.DailyBuildsLimit, &w.DailyBuildsUsed, &w.DailyBuildsResetAt, &w.FileRetentionDays)
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("select wallet: %w", err)
	}
	today := quota.Today()
	_, err = r.pool.Exec(ctx, `INSERT INTO user_wallets (user_id, daily_builds_limit, daily_builds_used, daily_builds_reset_at, file_retention_days, updated_at)
		VALUES ($1,$2,0,$3,$4,$5) ON CONFLICT (user_id) DO NOTHING`,
		userID, r.defaultLimit, today, r.retentionDays, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("seed wallet: %w", err)
	}
	return r.GetOrCreate(ctx, userID)
}

// ConsumeDaily deducts n units inside a single conditional UPDATE. A stale
// reset marker zeroes the counter in the same statement, and the WHERE clause
// enforces used+n <= limit, so a rejected consume leaves the row untouched.
func (r *WalletRepository) ConsumeDaily(ctx context.Context, userID string, n int, today string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE user_wallets SET
			daily_builds_used = (CASE WHEN daily_builds_reset_at = $2 THEN daily_builds_used ELSE 0 END) + $3,
			daily_builds_reset_at = $2,
			updated_at = $4
		WHERE user_id = $1
		  AND (CASE WHEN daily_builds_reset_at = $2 THEN daily_builds_used ELSE 0 END) + $3 <= daily_builds_limit`,
		userID, today, n, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("consume daily quota: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RefundDaily returns n units to today's window, flooring at zero. Refunds
// against a rolled-over day are dropped on purpose: the counter they would
// offset no longer exists.
func (r *WalletRepository) RefundDaily(ctx context.Context, userID string, n int, today string) error {
	_, err := r.pool.Exec(ctx, `UPDATE user_wallets SET
			daily_builds_used = GREATEST(daily_builds_used - $3, 0),
			updated_at = $4
		WHERE user_id = $1 AND daily_builds_reset_at = $2`,
		userID, today, n, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("refund daily quota: %w", err)
	}
	return nil
}
