// Package expiry enforces per-user artifact retention. Expired builds are
// hidden lazily on read and their objects purged through the task queue; a
// cron sweep catches builds nobody reads.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/queue"
	"github.com/packwright/packwright/internal/storage"
)

// RecordStore is the slice of the build store the manager needs.
type RecordStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*build.Record, error)
	ClearFiles(ctx context.Context, id string) error
}

// ObjectStore deletes a build's stored objects.
type ObjectStore interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// PurgeQueue schedules storage cleanup.
type PurgeQueue interface {
	EnqueuePurge(ctx context.Context, p queue.BuildPayload) error
}

// Manager applies retention on the read path and owns the purge work.
type Manager struct {
	records RecordStore
	objects ObjectStore
	tasks   PurgeQueue
	log     zerolog.Logger

	// SweepLimit caps one cron sweep's batch.
	SweepLimit int
}

func NewManager(records RecordStore, objects ObjectStore, tasks PurgeQueue, log zerolog.Logger) *Manager {
	return &Manager{
		records:    records,
		objects:    objects,
		tasks:      tasks,
		log:        log,
		SweepLimit: 100,
	}
}

// ApplyLazy nulls the file pointers of expired records before they reach the
// client and queues their purge. The caller's copies are mutated; callers
// hold copies, never store-owned rows.
func (m *Manager) ApplyLazy(ctx context.Context, records []*build.Record) {
	now := time.Now().UTC()
	for _, rec := range records {
		if !rec.Expired(now) {
			continue
		}
		hadFiles := rec.OutputFilePath != nil || rec.DownloadURL != nil || rec.IconURL != nil
		rec.OutputFilePath = nil
		rec.DownloadURL = nil
		rec.IconURL = nil
		if !hadFiles {
			continue
		}
		if err := m.tasks.EnqueuePurge(ctx, queue.BuildPayload{BuildID: rec.ID, UserID: rec.UserID}); err != nil {
			m.log.Warn().Err(err).Str("build_id", rec.ID).Msg("enqueue purge failed")
		}
	}
}

// PurgeBuild removes everything a build stored, including any stage-1 source
// bundle, then clears the record's file pointers. Worker handler; safe to
// re-run.
func (m *Manager) PurgeBuild(ctx context.Context, buildID string) error {
	if err := m.objects.DeletePrefix(ctx, storage.BuildPrefix(buildID)); err != nil {
		return fmt.Errorf("purge build objects: %w", err)
	}
	if err := m.objects.DeletePrefix(ctx, storage.SourcePrefix(buildID)); err != nil {
		return fmt.Errorf("purge source objects: %w", err)
	}
	if err := m.records.ClearFiles(ctx, buildID); err != nil {
		return fmt.Errorf("clear file pointers: %w", err)
	}
	m.log.Info().Str("build_id", buildID).Msg("expired build purged")
	return nil
}

// SweepExpired queues purges for expired builds that still hold files.
func (m *Manager) SweepExpired(ctx context.Context) error {
	records, err := m.records.ListExpired(ctx, time.Now().UTC(), m.SweepLimit)
	if err != nil {
		return fmt.Errorf("list expired builds: %w", err)
	}
	for _, rec := range records {
		if err := m.tasks.EnqueuePurge(ctx, queue.BuildPayload{BuildID: rec.ID, UserID: rec.UserID}); err != nil {
			m.log.Warn().Err(err).Str("build_id", rec.ID).Msg("enqueue purge failed")
		}
	}
	if len(records) > 0 {
		m.log.Debug().Int("count", len(records)).Msg("expiry sweep queued purges")
	}
	return nil
}
