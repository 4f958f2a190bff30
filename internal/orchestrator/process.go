package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/packwright/packwright/internal/assembly"
	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/queue"
	"github.com/packwright/packwright/internal/storage"
)

// ProcessAssemble is the worker handler for locally-packaged platforms. It is
// safe under redelivery: every store transition is idempotent and uploads
// overwrite their keys.
func (o *Orchestrator) ProcessAssemble(ctx context.Context, p queue.BuildPayload) error {
	rec, err := o.loadRunnable(ctx, p.BuildID)
	if err != nil {
		if errors.Is(err, errTerminal) || errors.Is(err, build.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := o.builds.MarkProcessing(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	icon := o.stageIcon(ctx, rec, p.Icon)

	artifact, err := o.assembler.Assemble(ctx, specFor(rec, icon))
	if err != nil {
		o.log.Error().Err(err).Str("build_id", rec.ID).Msg("assembly failed")
		o.failBuild(ctx, rec.ID, rec.UserID, "failed to assemble package")
		return nil
	}
	if err := o.builds.SetProgress(ctx, rec.ID, build.ProgressAssembled); err != nil {
		return fmt.Errorf("record assembled progress: %w", err)
	}

	key := storage.ArtifactKey(rec.ID, artifact.Name)
	if err := o.objects.Upload(ctx, key, artifact.Data, artifact.ContentType); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	if err := o.builds.SetProgress(ctx, rec.ID, build.ProgressUploaded); err != nil {
		return fmt.Errorf("record uploaded progress: %w", err)
	}

	downloadURL, err := o.presign(ctx, key)
	if err != nil {
		return fmt.Errorf("presign artifact: %w", err)
	}
	transitioned, err := o.builds.MarkCompleted(ctx, rec.ID, key, downloadURL)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if transitioned {
		o.log.Info().Str("build_id", rec.ID).Str("platform", string(rec.Platform)).Msg("build completed")
	}
	return nil
}

// ProcessDispatchAPK runs stage 1 of the android-apk pipeline: assemble the
// source bundle, publish it, and hand the build to the CI compiler. Stage 2
// (artifact republishing) happens in SyncFromCI once the run finishes.
func (o *Orchestrator) ProcessDispatchAPK(ctx context.Context, p queue.BuildPayload) error {
	rec, err := o.loadRunnable(ctx, p.BuildID)
	if err != nil {
		if errors.Is(err, errTerminal) || errors.Is(err, build.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := o.builds.MarkProcessing(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	icon := o.stageIcon(ctx, rec, p.Icon)

	bundle, err := o.assembler.Assemble(ctx, specFor(rec, icon))
	if err != nil {
		o.log.Error().Err(err).Str("build_id", rec.ID).Msg("source bundle assembly failed")
		o.failBuild(ctx, rec.ID, rec.UserID, "failed to assemble source bundle")
		return nil
	}

	sourceID := build.SourceRecordID(rec.ID)
	sourceKey := storage.ArtifactKey(sourceID, bundle.Name)
	if err := o.objects.Upload(ctx, sourceKey, bundle.Data, "application/zip"); err != nil {
		return fmt.Errorf("upload source bundle: %w", err)
	}
	sourceURL, err := o.presign(ctx, sourceKey)
	if err != nil {
		return fmt.Errorf("presign source bundle: %w", err)
	}
	o.recordSourceBundle(ctx, rec, sourceID, sourceKey, sourceURL)

	dispatchedAt := time.Now().UTC()
	if err := o.ci.DispatchWorkflow(ctx, rec.ID, sourceURL); err != nil {
		o.log.Error().Err(err).Str("build_id", rec.ID).Msg("workflow dispatch failed")
		o.failBuild(ctx, rec.ID, rec.UserID, "failed to hand build to CI compiler")
		return nil
	}
	if err := o.builds.SetProgress(ctx, rec.ID, build.ProgressDispatched); err != nil {
		return fmt.Errorf("record dispatched progress: %w", err)
	}
	o.log.Info().Str("build_id", rec.ID).Msg("build dispatched to CI")

	// Best-effort run discovery; the callback and the watchdog both recover
	// the run id later if the run has not surfaced in the listing yet.
	if run, err := o.ci.FindRunForBuild(ctx, rec.ID, dispatchedAt); err == nil {
		if err := o.builds.SetRunID(ctx, rec.ID, run.ID, ""); err != nil {
			o.log.Warn().Err(err).Str("build_id", rec.ID).Msg("record run id failed")
		}
	}
	return nil
}

// recordSourceBundle keeps a completed companion record for the stage-1
// bundle so it is visible and downloadable while the CI run compiles it.
// Losing it is harmless; the cleanup after republish tolerates its absence.
func (o *Orchestrator) recordSourceBundle(ctx context.Context, rec *build.Record, sourceID, key, url string) {
	src := &build.Record{
		ID:             sourceID,
		UserID:         rec.UserID,
		Platform:       rec.Platform,
		AppName:        rec.AppName + " (source)",
		PackageID:      rec.PackageID,
		VersionName:    rec.VersionName,
		VersionCode:    rec.VersionCode,
		TargetURL:      rec.TargetURL,
		Status:         build.StatusCompleted,
		Progress:       build.ProgressDone,
		OutputFilePath: &key,
		DownloadURL:    &url,
		ExpiresAt:      rec.ExpiresAt,
	}
	if err := o.builds.Create(ctx, src); err != nil {
		o.log.Warn().Err(err).Str("build_id", rec.ID).Msg("create source bundle record failed")
	}
}

// loadRunnable fetches a record that still has work to do.
func (o *Orchestrator) loadRunnable(ctx context.Context, id string) (*build.Record, error) {
	rec, err := o.builds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return nil, errTerminal
	}
	return rec, nil
}

func specFor(rec *build.Record, icon []byte) assembly.Spec {
	return assembly.Spec{
		BuildID:       rec.ID,
		Platform:      rec.Platform,
		AppName:       rec.AppName,
		PackageID:     rec.PackageID,
		VersionName:   rec.VersionName,
		VersionCode:   rec.VersionCode,
		TargetURL:     rec.TargetURL,
		PrivacyPolicy: rec.PrivacyPolicy,
		Icon:          icon,
	}
}
