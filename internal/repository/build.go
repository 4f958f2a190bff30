// Package repository wraps all SQL used by the API and the worker, plus an
// in-memory implementation of the same stores for tests and single-process
// runs.
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

// BuildRepository persists build records in postgres. Status and progress
// guards live in the SQL itself so terminal states are absorbing regardless
// of how many workers race on the same row.
type BuildRepository struct {
	pool *pgxpool.Pool
}

func NewBuildRepository(pool *pgxpool.Pool) *BuildRepository {
	return &BuildRepository{pool: pool}
}

const buildColumns = `id, user_id, platform, app_name, COALESCE(package_id,''), COALESCE(version_name,''), version_code,
	target_url, COALESCE(privacy_policy,''), status, progress, error_message, output_file_path, download_url, icon_url,
	github_run_id, github_artifact_url, syncing_since, expires_at, created_at, updated_at`

// Create inserts a pending record.
func (r *BuildRepository) Create(ctx context.Context, rec *build.Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO builds (id, user_id, platform, app_name, package_id, version_name, version_code,
			target_url, privacy_policy, status, progress, output_file_path, download_url, icon_url,
			github_run_id, github_artifact_url, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, rec.ID, rec.UserID, rec.Platform, rec.AppName, rec.PackageID, rec.VersionName, rec.VersionCode,
		rec.TargetURL, rec.PrivacyPolicy, rec.Status, rec.Progress, rec.OutputFilePath, rec.DownloadURL, rec.IconURL,
		rec.GitHubRunID, rec.GitHubArtifactURL, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

// Get returns a build by id.
func (r *BuildRepository) Get(ctx context.Context, id string) (*build.Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id=$1`, id)
	rec, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, build.ErrNotFound
		}
		return nil, fmt.Errorf("select build: %w", err)
	}
	return rec, nil
}

// ListByUser returns a user's builds, newest first.
func (r *BuildRepository) ListByUser(ctx context.Context, userID string) ([]*build.Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// ListActive returns the user's non-terminal builds for the polling endpoint.
func (r *BuildRepository) ListActive(ctx context.Context, userID string) ([]*build.Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds
		WHERE user_id=$1 AND status IN ($2,$3) ORDER BY created_at DESC`,
		userID, build.StatusPending, build.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list active builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// ListStuckCI returns CI-dispatched builds parked at the dispatch progress
// mark with a known run id, untouched since before the given cutoff, and
// still missing a final artifact.
func (r *BuildRepository) ListStuckCI(ctx context.Context, updatedBefore time.Time, limit int) ([]*build.Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds
		WHERE platform=$1 AND status=$2 AND progress=$3
		  AND github_run_id IS NOT NULL
		  AND updated_at < $4
		  AND (output_file_path IS NULL OR output_file_path NOT LIKE '%.apk')
		ORDER BY updated_at ASC LIMIT $5`,
		build.PlatformAndroidAPK, build.StatusProcessing, build.ProgressDispatched, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// ListExpired returns builds past their retention window that still hold
// file pointers, for the background purge sweep.
func (r *BuildRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*build.Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds
		WHERE expires_at < $1 AND (output_file_path IS NOT NULL OR icon_url IS NOT NULL)
		ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// MarkProcessing moves a non-terminal build into processing.
func (r *BuildRepository) MarkProcessing(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE builds
		SET status=$2, progress=GREATEST(progress,$3), updated_at=$4
		WHERE id=$1 AND status NOT IN ($5,$6)`,
		id, build.StatusProcessing, build.ProgressStarted, time.Now().UTC(),
		build.StatusCompleted, build.StatusFailed)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// SetProgress ratchets progress upward; it never decreases.
func (r *BuildRepository) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := r.pool.Exec(ctx, `UPDATE builds
		SET progress=GREATEST(progress,$2), updated_at=$3
		WHERE id=$1 AND status NOT IN ($4,$5)`,
		id, progress, time.Now().UTC(), build.StatusCompleted, build.StatusFailed)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// SetRunID stores the CI run linkage.
func (r *BuildRepository) SetRunID(ctx context.Context, id string, runID int64, artifactURL string) error {
	var art *string
	if artifactURL != "" {
		art = &artifactURL
	}
	_, err := r.pool.Exec(ctx, `UPDATE builds
		SET github_run_id=$2, github_artifact_url=COALESCE($3, github_artifact_url), updated_at=$4
		WHERE id=$1`, id, runID, art, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set run id: %w", err)
	}
	return nil
}

// SetIcon stores the uploaded icon's object key.
func (r *BuildRepository) SetIcon(ctx context.Context, id, iconKey string) error {
	_, err := r.pool.Exec(ctx, `UPDATE builds SET icon_url=$2, updated_at=$3 WHERE id=$1`,
		id, iconKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set icon: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a build at 100%. It reports whether this call
// performed the transition; a false return means another writer got there
// first (or the build already failed).
func (r *BuildRepository) MarkCompleted(ctx context.Context, id, outputPath, downloadURL string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE builds
		SET status=$2, progress=100, output_file_path=$3, download_url=$4, error_message=NULL, updated_at=$5
		WHERE id=$1 AND status NOT IN ($6,$7)`,
		id, build.StatusCompleted, outputPath, downloadURL, time.Now().UTC(),
		build.StatusCompleted, build.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a terminal failure with a human-readable message. The
// bool result drives refund-once semantics: quota is refunded only by the
// caller that actually performed the transition.
func (r *BuildRepository) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE builds
		SET status=$2, error_message=$3, updated_at=$4
		WHERE id=$1 AND status NOT IN ($5,$6)`,
		id, build.StatusFailed, message, time.Now().UTC(),
		build.StatusCompleted, build.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimSync atomically claims the resync lock for a build. The claim wins
// only when no claim exists or the existing one is older than staleBefore,
// which is how claims abandoned on transient CI errors re-open.
func (r *BuildRepository) ClaimSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE builds
		SET syncing_since=$2
		WHERE id=$1 AND (syncing_since IS NULL OR syncing_since < $3)`,
		id, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim sync: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseSync clears the resync claim.
func (r *BuildRepository) ReleaseSync(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE builds SET syncing_since=NULL WHERE id=$1`, id); err != nil {
		return fmt.Errorf("release sync: %w", err)
	}
	return nil
}

// ClearFiles nulls the file pointers of an expired build.
func (r *BuildRepository) ClearFiles(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE builds
		SET output_file_path=NULL, download_url=NULL, icon_url=NULL, updated_at=$2
		WHERE id=$1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear build files: %w", err)
	}
	return nil
}

// Delete removes a record entirely (used for transient source-bundle rows).
func (r *BuildRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM builds WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete build: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*build.Record, error) {
	var (
		rec         build.Record
		errMsg      sql.NullString
		outputPath  sql.NullString
		downloadURL sql.NullString
		iconURL     sql.NullString
		runID       sql.NullInt64
		artifactURL sql.NullString
		syncing     sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Platform, &rec.AppName, &rec.PackageID, &rec.VersionName, &rec.VersionCode,
		&rec.TargetURL, &rec.PrivacyPolicy, &rec.Status, &rec.Progress, &errMsg, &outputPath, &downloadURL, &iconURL,
		&runID, &artifactURL, &syncing, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		v := errMsg.String
		rec.ErrorMessage = &v
	}
	if outputPath.Valid {
		v := outputPath.String
		rec.OutputFilePath = &v
	}
	if downloadURL.Valid {
		v := downloadURL.String
		rec.DownloadURL = &v
	}
	if iconURL.Valid {
		v := iconURL.String
		rec.IconURL = &v
	}
	if runID.Valid {
		v := runID.Int64
		rec.GitHubRunID = &v
	}
	if artifactURL.Valid {
		v := artifactURL.String
		rec.GitHubArtifactURL = &v
	}
	if syncing.Valid {
		v := syncing.Time
		rec.SyncingSince = &v
	}
	return &rec, nil
}

func scanBuilds(rows pgx.Rows) ([]*build.Record, error) {
	var out []*build.Record
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return out, nil
}
