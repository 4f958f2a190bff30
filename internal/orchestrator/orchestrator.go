// Package orchestrator drives the build state machine: it turns submissions
// into pending records funded by the quota ledger, and (on the worker side)
// drives each record to a terminal state through the artifact assembly
// service or the remote CI pipeline.
//
// The orchestrator is parameterized over capability interfaces so the same
// state machine runs against the postgres+minio backend in production and
// the in-memory stores in tests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/assembly"
	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/ci"
	"github.com/packwright/packwright/internal/queue"
	"github.com/packwright/packwright/internal/quota"
)

// BuildStore is the build-record persistence capability. Implementations
// must make terminal statuses absorbing and progress monotonic.
type BuildStore interface {
	Create(ctx context.Context, rec *build.Record) error
	Get(ctx context.Context, id string) (*build.Record, error)
	MarkProcessing(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) error
	SetRunID(ctx context.Context, id string, runID int64, artifactURL string) error
	SetIcon(ctx context.Context, id, iconKey string) error
	MarkCompleted(ctx context.Context, id, outputPath, downloadURL string) (bool, error)
	MarkFailed(ctx context.Context, id, message string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// QuotaLedger funds submissions and takes refunds.
type QuotaLedger interface {
	CheckDaily(ctx context.Context, userID string, n int) (quota.Check, error)
	ConsumeDaily(ctx context.Context, userID string, n int) error
	RefundDaily(ctx context.Context, userID string, n int) error
	RetentionDays(ctx context.Context, userID string) (int, error)
}

// ObjectStore is the artifact storage capability.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (int64, error)
	DeletePrefix(ctx context.Context, prefix string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Dispatcher is the remote CI capability for android-apk builds.
type Dispatcher interface {
	DispatchWorkflow(ctx context.Context, buildID, sourceURL string) error
	GetRunStatus(ctx context.Context, runID int64) (*ci.RunStatus, error)
	FindRunForBuild(ctx context.Context, buildID string, since time.Time) (*ci.Run, error)
	DownloadArtifact(ctx context.Context, runID int64, name string) ([]byte, error)
}

// TaskQueue hands work to the worker.
type TaskQueue interface {
	EnqueueAssemble(ctx context.Context, p queue.BuildPayload) error
	EnqueueDispatchAPK(ctx context.Context, p queue.BuildPayload) error
	EnqueueSyncCI(ctx context.Context, p queue.BuildPayload) error
}

// Options tunes the orchestrator.
type Options struct {
	MaxIconBytes   int64
	DownloadURLTTL time.Duration
	CIArtifactName string
	// HTTPClient fetches remote icons; timeouts are set per attempt.
	HTTPClient *http.Client
}

// Orchestrator is the core pipeline service.
type Orchestrator struct {
	builds    BuildStore
	quota     QuotaLedger
	objects   ObjectStore
	assembler assembly.Assembler
	ci        Dispatcher
	tasks     TaskQueue
	opts      Options
	log       zerolog.Logger
}

func New(builds BuildStore, ledger QuotaLedger, objects ObjectStore, assembler assembly.Assembler, dispatcher Dispatcher, tasks TaskQueue, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.DownloadURLTTL <= 0 {
		opts.DownloadURLTTL = time.Hour
	}
	if opts.CIArtifactName == "" {
		opts.CIArtifactName = "app-release"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Orchestrator{
		builds:    builds,
		quota:     ledger,
		objects:   objects,
		assembler: assembler,
		ci:        dispatcher,
		tasks:     tasks,
		opts:      opts,
		log:       log,
	}
}

// SubmitBuild submits one platform build and returns its id.
func (o *Orchestrator) SubmitBuild(ctx context.Context, userID string, req build.Request) (string, error) {
	ids, err := o.SubmitBatch(ctx, userID, []build.Request{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch validates every platform request, deducts quota for the exact
// platform count, inserts pending records, and enqueues the platform tasks.
// Per-platform create failures refund exactly one unit each and the batch
// continues; only when every platform fails does the submission error.
func (o *Orchestrator) SubmitBatch(ctx context.Context, userID string, reqs []build.Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: at least one platform is required", build.ErrInvalidInput)
	}

	// All validation happens before any quota is touched so users are never
	// charged for a request that cannot succeed.
	for i := range reqs {
		if err := reqs[i].Validate(o.opts.MaxIconBytes); err != nil {
			return nil, err
		}
		if err := o.preflightIcon(ctx, reqs[i].Icon); err != nil {
			return nil, err
		}
	}

	if err := o.quota.ConsumeDaily(ctx, userID, len(reqs)); err != nil {
		return nil, err
	}

	retentionDays, err := o.quota.RetentionDays(ctx, userID)
	if err != nil {
		o.refund(ctx, userID, len(reqs))
		return nil, fmt.Errorf("load retention window: %w", err)
	}
	expiresAt := time.Now().UTC().AddDate(0, 0, retentionDays)

	var (
		ids     []string
		lastErr error
	)
	for i := range reqs {
		req := reqs[i]
		rec := &build.Record{
			ID:            uuid.NewString(),
			UserID:        userID,
			Platform:      req.Platform,
			AppName:       req.AppName,
			PackageID:     req.PackageID,
			VersionName:   req.VersionName,
			VersionCode:   req.VersionCode,
			TargetURL:     req.TargetURL,
			PrivacyPolicy: req.PrivacyPolicy,
			Status:        build.StatusPending,
			ExpiresAt:     expiresAt,
		}
		if err := o.builds.Create(ctx, rec); err != nil {
			// Refund this platform's unit; the rest of the batch proceeds.
			o.log.Error().Err(err).Str("build_id", rec.ID).Str("platform", string(req.Platform)).
				Msg("create build record failed")
			o.refund(ctx, userID, 1)
			lastErr = err
			continue
		}
		if err := o.enqueue(ctx, rec, req.Icon); err != nil {
			o.log.Error().Err(err).Str("build_id", rec.ID).Msg("enqueue build failed")
			o.failBuild(ctx, rec.ID, userID, "failed to queue build for processing")
			lastErr = err
			continue
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("all platform builds failed to start: %w", lastErr)
	}
	return ids, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, rec *build.Record, icon build.IconSource) error {
	payload := queue.BuildPayload{BuildID: rec.ID, UserID: rec.UserID, Icon: icon}
	if rec.Platform.RequiresCI() {
		return o.tasks.EnqueueDispatchAPK(ctx, payload)
	}
	return o.tasks.EnqueueAssemble(ctx, payload)
}

// preflightIcon rejects oversized pre-uploaded icons before quota deduction.
// Remote URLs are only fetched in the worker; their size is enforced there.
func (o *Orchestrator) preflightIcon(ctx context.Context, icon build.IconSource) error {
	if icon.ObjectKey == "" || o.opts.MaxIconBytes <= 0 {
		return nil
	}
	size, err := o.objects.Stat(ctx, icon.ObjectKey)
	if err != nil {
		return fmt.Errorf("%w: icon upload not found", build.ErrInvalidInput)
	}
	if size > o.opts.MaxIconBytes {
		return fmt.Errorf("%w: icon exceeds %d bytes", build.ErrInvalidInput, o.opts.MaxIconBytes)
	}
	return nil
}

// failBuild marks a build failed and refunds its quota unit exactly once:
// the refund only fires when this call performed the terminal transition.
func (o *Orchestrator) failBuild(ctx context.Context, buildID, userID, message string) {
	transitioned, err := o.builds.MarkFailed(ctx, buildID, message)
	if err != nil {
		o.log.Error().Err(err).Str("build_id", buildID).Msg("mark failed errored")
		return
	}
	if !transitioned {
		return
	}
	o.log.Info().Str("build_id", buildID).Str("reason", message).Msg("build failed")
	o.refund(ctx, userID, 1)
}

func (o *Orchestrator) refund(ctx context.Context, userID string, n int) {
	if err := o.quota.RefundDaily(ctx, userID, n); err != nil {
		o.log.Warn().Err(err).Str("user_id", userID).Int("count", n).Msg("quota refund failed")
	}
}

// presentable maps storage keys to fresh presigned URLs.
func (o *Orchestrator) presign(ctx context.Context, key string) (string, error) {
	return o.objects.PresignGet(ctx, key, o.opts.DownloadURLTTL)
}

var errTerminal = errors.New("build already terminal")
