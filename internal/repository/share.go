package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packwright/packwright/internal/build"
)

// ShareRepository persists download-share codes.
type ShareRepository struct {
	pool *pgxpool.Pool
}

func NewShareRepository(pool *pgxpool.Pool) *ShareRepository {
	return &ShareRepository{pool: pool}
}

func (r *ShareRepository) CreateShare(ctx context.Context, s *build.Share) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO build_shares (code, build_id, password_hash, access_count, expires_at, created_at)
		VALUES ($1,$2,$3,0,$4,$5)`,
		s.Code, s.BuildID, s.PasswordHash, s.ExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

func (r *ShareRepository) GetShare(ctx context.Context, code string) (*build.Share, error) {
	var (
		s    build.Share
		hash sql.NullString
	)
	err := r.pool.QueryRow(ctx, `SELECT code, build_id, password_hash, access_count, expires_at, created_at
		FROM build_shares WHERE code=$1`, code).
		Scan(&s.Code, &s.BuildID, &hash, &s.AccessCount, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, build.ErrShareNotFound
		}
		return nil, fmt.Errorf("select share: %w", err)
	}
	if hash.Valid {
		v := hash.String
		s.PasswordHash = &v
	}
	return &s, nil
}

func (r *ShareRepository) IncrementShareAccess(ctx context.Context, code string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE build_shares SET access_count = access_count + 1 WHERE code=$1`, code); err != nil {
		return fmt.Errorf("count share access: %w", err)
	}
	return nil
}
