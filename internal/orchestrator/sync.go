package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/packwright/packwright/internal/assembly"
	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/ci"
	"github.com/packwright/packwright/internal/queue"
	"github.com/packwright/packwright/internal/storage"
)

// SyncState is the outcome of one CI resync pass.
type SyncState int

const (
	// SyncInProgress: the run has not finished; check again later.
	SyncInProgress SyncState = iota
	// SyncCompleted: the APK was republished and the build completed.
	SyncCompleted
	// SyncFailed: the build reached terminal failure.
	SyncFailed
)

// Terminal reports whether the sync reached a final build state.
func (s SyncState) Terminal() bool { return s != SyncInProgress }

func (s SyncState) String() string {
	switch s {
	case SyncCompleted:
		return "completed"
	case SyncFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// SyncFromCI reconciles an android-apk build with its workflow run: download
// the artifact zip, extract the APK, republish it under the build's prefix,
// and complete the record. Callers already hold the record's sync claim.
//
// A returned error is transient (API hiccup, artifact not published yet) and
// leaves the build open for the next pass. Hard CI outcomes transition the
// record instead of erroring.
func (o *Orchestrator) SyncFromCI(ctx context.Context, buildID string) (SyncState, error) {
	rec, err := o.builds.Get(ctx, buildID)
	if err != nil {
		return SyncInProgress, err
	}
	// Duplicate callback or an overlapping poll already finished the build.
	if rec.HasFinalArtifact() || rec.Status.IsTerminal() {
		if rec.Status == build.StatusFailed {
			return SyncFailed, nil
		}
		return SyncCompleted, nil
	}

	// A manual sync can race the dispatch task. Until the workflow has
	// actually been dispatched there is no run to reconcile, and a missing
	// run id is not a failure.
	if rec.GitHubRunID == nil && rec.Progress < build.ProgressDispatched {
		return SyncInProgress, nil
	}

	runID, err := o.resolveRunID(ctx, rec)
	if err != nil {
		if errors.Is(err, ci.ErrRunNotFound) {
			o.failBuild(ctx, rec.ID, rec.UserID, "no CI run found for build")
			return SyncFailed, nil
		}
		return SyncInProgress, err
	}

	st, err := o.ci.GetRunStatus(ctx, runID)
	if err != nil {
		return SyncInProgress, fmt.Errorf("query run %d: %w", runID, err)
	}
	if st.Status != ci.RunCompleted {
		return SyncInProgress, nil
	}
	if st.Conclusion != ci.ConclusionSuccess {
		o.failBuild(ctx, rec.ID, rec.UserID, "CI build failed")
		return SyncFailed, nil
	}

	zipData, err := o.ci.DownloadArtifact(ctx, runID, o.opts.CIArtifactName)
	if err != nil {
		// ErrArtifactMissing included: retention publishing can lag the run.
		return SyncInProgress, fmt.Errorf("download artifact for run %d: %w", runID, err)
	}
	apk, entryName, err := ci.ExtractAPK(zipData)
	if err != nil {
		if errors.Is(err, ci.ErrAPKNotFound) {
			o.failBuild(ctx, rec.ID, rec.UserID, ci.ErrAPKNotFound.Error())
			return SyncFailed, nil
		}
		return SyncInProgress, fmt.Errorf("extract apk: %w", err)
	}

	key := storage.ArtifactKey(rec.ID, assembly.FinalArtifactName(rec.AppName, rec.Platform))
	if err := o.objects.Upload(ctx, key, apk, "application/vnd.android.package-archive"); err != nil {
		return SyncInProgress, fmt.Errorf("republish apk: %w", err)
	}
	if err := o.builds.SetProgress(ctx, rec.ID, build.ProgressUploaded); err != nil {
		return SyncInProgress, fmt.Errorf("record uploaded progress: %w", err)
	}
	downloadURL, err := o.presign(ctx, key)
	if err != nil {
		return SyncInProgress, fmt.Errorf("presign apk: %w", err)
	}
	transitioned, err := o.builds.MarkCompleted(ctx, rec.ID, key, downloadURL)
	if err != nil {
		return SyncInProgress, fmt.Errorf("mark completed: %w", err)
	}
	if transitioned {
		o.log.Info().Str("build_id", rec.ID).Int64("run_id", runID).
			Str("apk_entry", entryName).Msg("CI artifact republished, build completed")
		o.cleanupSource(ctx, rec.ID)
	}
	return SyncCompleted, nil
}

// ProcessSyncCI is the queued form of SyncFromCI, enqueued by the callback
// endpoint. In-progress runs requeue via the task's retry budget.
func (o *Orchestrator) ProcessSyncCI(ctx context.Context, p queue.BuildPayload) error {
	state, err := o.SyncFromCI(ctx, p.BuildID)
	if err != nil {
		if errors.Is(err, build.ErrNotFound) {
			return nil
		}
		return err
	}
	if !state.Terminal() {
		return fmt.Errorf("run for build %s not finished yet", p.BuildID)
	}
	return nil
}

// HandleCallback reacts to the CI workflow's completion webhook. It records
// the run id and artifact URL and hands the download/republish work to the
// queue; duplicate callbacks for an already-finished build are no-ops.
func (o *Orchestrator) HandleCallback(ctx context.Context, buildID string, runID int64, artifactURL string, success bool) error {
	rec, err := o.builds.Get(ctx, buildID)
	if err != nil {
		return err
	}
	if rec.HasFinalArtifact() || rec.Status.IsTerminal() {
		return nil
	}
	if err := o.builds.SetRunID(ctx, buildID, runID, artifactURL); err != nil {
		return fmt.Errorf("record run id: %w", err)
	}
	if !success {
		o.failBuild(ctx, buildID, rec.UserID, "CI build failed")
		return nil
	}
	if err := o.tasks.EnqueueSyncCI(ctx, queue.BuildPayload{BuildID: buildID, UserID: rec.UserID}); err != nil {
		return fmt.Errorf("enqueue ci sync: %w", err)
	}
	return nil
}

// resolveRunID returns the stored run id, recovering it from the run listing
// for records that lost it (crash between dispatch and SetRunID).
func (o *Orchestrator) resolveRunID(ctx context.Context, rec *build.Record) (int64, error) {
	if rec.GitHubRunID != nil {
		return *rec.GitHubRunID, nil
	}
	run, err := o.ci.FindRunForBuild(ctx, rec.ID, rec.CreatedAt)
	if err != nil {
		return 0, err
	}
	if err := o.builds.SetRunID(ctx, rec.ID, run.ID, ""); err != nil {
		o.log.Warn().Err(err).Str("build_id", rec.ID).Msg("record recovered run id failed")
	}
	return run.ID, nil
}

// cleanupSource drops the stage-1 bundle once the final APK is published.
func (o *Orchestrator) cleanupSource(ctx context.Context, buildID string) {
	if err := o.objects.DeletePrefix(ctx, storage.SourcePrefix(buildID)); err != nil {
		o.log.Warn().Err(err).Str("build_id", buildID).Msg("delete source bundle objects failed")
	}
	if err := o.builds.Delete(ctx, build.SourceRecordID(buildID)); err != nil {
		o.log.Warn().Err(err).Str("build_id", buildID).Msg("delete source bundle record failed")
	}
}
