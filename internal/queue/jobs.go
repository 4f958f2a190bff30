// Package queue defines the asynq task types that carry build work from the
// API to the worker. The queue is durable and at-least-once; every handler
// is written to tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/packwright/packwright/internal/build"
)

const (
	// TaskAssembleBuild packages one locally-built platform artifact.
	TaskAssembleBuild = "build:assemble"
	// TaskDispatchAPK runs stage 1 of the android-apk pipeline and hands the
	// source bundle to the remote CI system.
	TaskDispatchAPK = "build:dispatch-apk"
	// TaskSyncCI downloads and republishes a finished CI artifact.
	TaskSyncCI = "build:sync-ci"
	// TaskPurgeBuild deletes an expired build's storage objects.
	TaskPurgeBuild = "build:purge"
)

// BuildPayload identifies the build a task operates on. The icon source
// rides along because inline icons never touch the record store.
type BuildPayload struct {
	BuildID string           `json:"build_id"`
	UserID  string           `json:"user_id,omitempty"`
	Icon    build.IconSource `json:"icon,omitempty"`
}

// Client wraps the asynq producer side.
type Client struct {
	inner *asynq.Client
}

func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

func (c *Client) EnqueueAssemble(ctx context.Context, p BuildPayload) error {
	return c.enqueue(ctx, TaskAssembleBuild, p, asynq.MaxRetry(3))
}

func (c *Client) EnqueueDispatchAPK(ctx context.Context, p BuildPayload) error {
	return c.enqueue(ctx, TaskDispatchAPK, p, asynq.MaxRetry(3))
}

func (c *Client) EnqueueSyncCI(ctx context.Context, p BuildPayload) error {
	return c.enqueue(ctx, TaskSyncCI, p, asynq.MaxRetry(5))
}

func (c *Client) EnqueuePurge(ctx context.Context, p BuildPayload) error {
	return c.enqueue(ctx, TaskPurgeBuild, p, asynq.MaxRetry(3))
}

func (c *Client) enqueue(ctx context.Context, taskType string, p BuildPayload, opts ...asynq.Option) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := c.inner.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
