// Package watchdog rescues android-apk builds whose CI callback never
// arrived. It finds records parked at the dispatched progress mark, claims
// them across instances, and resyncs them from the CI run state.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/orchestrator"
)

// BuildSource lists and claims stuck records.
type BuildSource interface {
	ListStuckCI(ctx context.Context, updatedBefore time.Time, limit int) ([]*build.Record, error)
	ClaimSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ReleaseSync(ctx context.Context, id string) error
}

// Syncer reconciles one build with its CI run.
type Syncer interface {
	SyncFromCI(ctx context.Context, buildID string) (orchestrator.SyncState, error)
}

// Options tunes the watchdog.
type Options struct {
	// Workers bounds concurrent CI checks.
	Workers int
	// QueueSize is the pending-check buffer; overflow is dropped, the next
	// sweep or poll resubmits.
	QueueSize int
	// StuckAfter is how stale a dispatched record must be before a check.
	StuckAfter time.Duration
	// StaleAfter re-opens claims abandoned by a crashed or stalled instance.
	StaleAfter time.Duration
	// SweepLimit caps one cron sweep's candidate batch.
	SweepLimit int
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 2 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.SweepLimit <= 0 {
		o.SweepLimit = 50
	}
}

// Watchdog owns a fixed worker pool fed by status polls and cron sweeps.
type Watchdog struct {
	builds BuildSource
	syncer Syncer
	cache  CompletedCache
	opts   Options
	log    zerolog.Logger

	jobs chan *build.Record
	wg   sync.WaitGroup
}

func New(builds BuildSource, syncer Syncer, cache CompletedCache, opts Options, log zerolog.Logger) *Watchdog {
	opts.defaults()
	return &Watchdog{
		builds: builds,
		syncer: syncer,
		cache:  cache,
		opts:   opts,
		log:    log,
		jobs:   make(chan *build.Record, opts.QueueSize),
	}
}

// Start launches the worker pool; workers exit when ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-w.jobs:
					w.check(ctx, rec)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}

// Inspect screens already-loaded records (a user's status poll) and submits
// the stuck ones. Non-blocking: a full queue drops the overflow.
func (w *Watchdog) Inspect(records []*build.Record) int {
	submitted := 0
	cutoff := time.Now().UTC().Add(-w.opts.StuckAfter)
	for _, rec := range records {
		if !w.candidate(rec, cutoff) {
			continue
		}
		if w.submit(rec) {
			submitted++
		}
	}
	return submitted
}

// Sweep queries the store for stuck records and submits them. Run on a cron
// schedule as the backstop for builds nobody is polling.
func (w *Watchdog) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.opts.StuckAfter)
	records, err := w.builds.ListStuckCI(ctx, cutoff, w.opts.SweepLimit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		w.submit(rec)
	}
	if len(records) > 0 {
		w.log.Debug().Int("count", len(records)).Msg("sweep submitted stuck builds")
	}
	return nil
}

func (w *Watchdog) candidate(rec *build.Record, cutoff time.Time) bool {
	if !rec.Platform.RequiresCI() || rec.Status != build.StatusProcessing {
		return false
	}
	if rec.Progress != build.ProgressDispatched || rec.GitHubRunID == nil {
		return false
	}
	if rec.HasFinalArtifact() {
		return false
	}
	return rec.UpdatedAt.Before(cutoff)
}

func (w *Watchdog) submit(rec *build.Record) bool {
	select {
	case w.jobs <- rec:
		return true
	default:
		return false
	}
}

// check resyncs one claimed record. Transient sync errors leave the claim in
// place: the staleness window re-opens the build rather than hammering a
// flaky CI API from every instance at once.
func (w *Watchdog) check(ctx context.Context, rec *build.Record) {
	done, err := w.cache.IsCompleted(ctx, rec.ID)
	if err != nil {
		w.log.Warn().Err(err).Str("build_id", rec.ID).Msg("completed cache lookup failed")
	} else if done {
		return
	}

	now := time.Now().UTC()
	claimed, err := w.builds.ClaimSync(ctx, rec.ID, now, now.Add(-w.opts.StaleAfter))
	if err != nil {
		w.log.Warn().Err(err).Str("build_id", rec.ID).Msg("sync claim failed")
		return
	}
	if !claimed {
		return
	}

	state, err := w.syncer.SyncFromCI(ctx, rec.ID)
	if err != nil {
		w.log.Debug().Err(err).Str("build_id", rec.ID).Msg("resync deferred")
		return
	}
	if state.Terminal() {
		if err := w.cache.MarkCompleted(ctx, rec.ID); err != nil {
			w.log.Warn().Err(err).Str("build_id", rec.ID).Msg("completed cache write failed")
		}
	}
	if err := w.builds.ReleaseSync(ctx, rec.ID); err != nil {
		w.log.Warn().Err(err).Str("build_id", rec.ID).Msg("release sync claim failed")
	}
}
