package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TypeOptionRecompute re-derives and flushes one quote option.
	TypeOptionRecompute = "option:recompute"
	// TypeRecomputeScope fans out TypeOptionRecompute to every option following rules for a service type.
	TypeRecomputeScope = "option:recompute-scope"
)

// RecomputePayload is the body of TypeOptionRecompute.
type RecomputePayload struct {
	OptionID string `json:"option_id"`
}

// ScopePayload is the body of TypeRecomputeScope. An empty service type covers all options.
type ScopePayload struct {
	ServiceType string `json:"service_type"`
}

// Client is the subset of asynq.Client used to enqueue tasks.
type Client interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer publishes recompute tasks.
type Enqueuer struct {
	Client   Client
	Queue    string
	MaxRetry int
	// Unique collapses identical tasks enqueued within the window.
	Unique time.Duration
}

// NewRecomputeTask builds the task for one option.
func NewRecomputeTask(optionID string) (*asynq.Task, error) {
	optionID = strings.TrimSpace(optionID)
	if optionID == "" {
		return nil, errors.New("tasks: option id is required")
	}
	body, err := json.Marshal(RecomputePayload{OptionID: optionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOptionRecompute, body), nil
}

// NewRecomputeScopeTask builds the fan-out task for a service type.
func NewRecomputeScopeTask(serviceType string) (*asynq.Task, error) {
	body, err := json.Marshal(ScopePayload{ServiceType: strings.TrimSpace(serviceType)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRecomputeScope, body), nil
}

// EnqueueRecompute schedules a recompute of optionID.
func (e Enqueuer) EnqueueRecompute(ctx context.Context, optionID string) error {
	task, err := NewRecomputeTask(optionID)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, task)
}

// EnqueueRecomputeScope schedules recomputation of every option following rules for serviceType.
func (e Enqueuer) EnqueueRecomputeScope(ctx context.Context, serviceType string) error {
	task, err := NewRecomputeScopeTask(serviceType)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, task)
}

func (e Enqueuer) enqueue(ctx context.Context, task *asynq.Task) error {
	if e.Client == nil {
		return errors.New("tasks: client not configured")
	}
	opts := []asynq.Option{}
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	if e.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(e.MaxRetry))
	}
	if e.Unique > 0 {
		opts = append(opts, asynq.Unique(e.Unique))
	}
	if _, err := e.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return nil
}
