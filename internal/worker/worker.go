// Package worker binds the queued task types to the pipeline services.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/expiry"
	"github.com/packwright/packwright/internal/orchestrator"
	"github.com/packwright/packwright/internal/queue"
)

// Worker executes build tasks delivered by the queue.
type Worker struct {
	orc    *orchestrator.Orchestrator
	expiry *expiry.Manager
	log    zerolog.Logger
}

func New(orc *orchestrator.Orchestrator, exp *expiry.Manager, log zerolog.Logger) *Worker {
	return &Worker{orc: orc, expiry: exp, log: log}
}

// Mux routes task types to their handlers.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskAssembleBuild, w.handle(w.orc.ProcessAssemble))
	mux.HandleFunc(queue.TaskDispatchAPK, w.handle(w.orc.ProcessDispatchAPK))
	mux.HandleFunc(queue.TaskSyncCI, w.handle(w.orc.ProcessSyncCI))
	mux.HandleFunc(queue.TaskPurgeBuild, w.handle(func(ctx context.Context, p queue.BuildPayload) error {
		return w.expiry.PurgeBuild(ctx, p.BuildID)
	}))
	return mux
}

func (w *Worker) handle(fn func(context.Context, queue.BuildPayload) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p queue.BuildPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			// A payload that never parses will never parse; drop it.
			w.log.Error().Err(err).Str("task", t.Type()).Msg("malformed task payload")
			return fmt.Errorf("unmarshal %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		if err := fn(ctx, p); err != nil {
			w.log.Warn().Err(err).Str("task", t.Type()).Str("build_id", p.BuildID).Msg("task failed")
			return err
		}
		return nil
	}
}
