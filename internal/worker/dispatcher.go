package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/semaphore"

	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/pkg/logger"
	"github.com/magistory/render-server/internal/registry"
)

const (
	TaskTypeRender = "render:process"
	QueueRender    = "render"

	// defaultTaskTimeout bounds a queued job when neither stage has a ceiling;
	// asynq otherwise cancels tasks after 30 minutes.
	defaultTaskTimeout = 24 * time.Hour
)

var ErrDispatcherClosed = errors.New("dispatcher is shutting down")

// Dispatcher starts a job's pipeline without waiting for it
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, req *model.RenderRequest) error
}

// LocalDispatcher runs each job on its own goroutine. At most maxConcurrent
// pipelines run at once; the rest wait in their goroutine, never in Dispatch.
type LocalDispatcher struct {
	pipeline *Pipeline
	sem      *semaphore.Weighted
	log      *logger.Logger

	// mu orders wg.Add against Shutdown's Wait
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewLocalDispatcher(pipeline *Pipeline, maxConcurrent int, log *logger.Logger) *LocalDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &LocalDispatcher{
		pipeline: pipeline,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		log:      log.WithComponent("dispatcher"),
	}
}

// Dispatch schedules the job and returns immediately. The job's context is
// detached from ctx so it outlives the request that admitted it.
func (d *LocalDispatcher) Dispatch(ctx context.Context, jobID string, req *model.RenderRequest) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	jobCtx := logger.ContextWithJobID(context.WithoutCancel(ctx), jobID)

	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(jobCtx, 1); err != nil {
			d.log.WithJobID(jobID).Error("failed to acquire render slot", "error", err.Error())
			return
		}
		defer d.sem.Release(1)

		d.pipeline.Run(jobCtx, jobID, req)
	}()

	d.log.WithJobID(jobID).Debug("job dispatched")
	return nil
}

// Shutdown stops accepting jobs and waits for running ones until ctx is done
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render jobs still running: %w", ctx.Err())
	}
}

// Enqueuer is the part of asynq.Client the queue dispatcher needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueDispatcher hands jobs to an asynq queue. Tasks are never retried: a
// failed render is recorded on the job, not re-run.
type QueueDispatcher struct {
	client  Enqueuer
	timeout time.Duration
	log     *logger.Logger
}

// NewQueueDispatcher derives the task timeout from the stage ceilings
func NewQueueDispatcher(c Enqueuer, cfg PipelineConfig, log *logger.Logger) *QueueDispatcher {
	timeout := defaultTaskTimeout
	if cfg.RenderTimeout > 0 && cfg.UploadTimeout > 0 {
		timeout = cfg.RenderTimeout + cfg.UploadTimeout + time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &QueueDispatcher{client: c, timeout: timeout, log: log.WithComponent("dispatcher")}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string, req *model.RenderRequest) error {
	task, err := NewRenderTask(jobID, req)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueRender),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
		asynq.TaskID(jobID),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	d.log.WithJobID(jobID).Debug("job enqueued", "task_id", info.ID, "queue", info.Queue)
	return nil
}

// NewRenderTask wraps a job in an asynq task
func NewRenderTask(jobID string, req *model.RenderRequest) (*asynq.Task, error) {
	data, err := json.Marshal(model.RenderJobPayload{JobID: jobID, Request: req})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}

// RenderWorker processes render tasks pulled from the queue
type RenderWorker struct {
	pipeline *Pipeline
	registry registry.Registry
	log      *logger.Logger
}

func NewRenderWorker(pipeline *Pipeline, reg registry.Registry, log *logger.Logger) *RenderWorker {
	if log == nil {
		log = logger.Discard()
	}
	return &RenderWorker{pipeline: pipeline, registry: reg, log: log.WithComponent("render_worker")}
}

// ProcessTask handles render task processing. Job failures are recorded on
// the job and reported to asynq as success so nothing is retried.
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.RenderJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}
	if payload.Request == nil {
		_ = w.registry.Transition(context.WithoutCancel(ctx), payload.JobID, registry.Failed("Invalid payload"))
		return fmt.Errorf("task payload has no request: %w", asynq.SkipRetry)
	}

	w.log.WithJobID(payload.JobID).Info("starting render job")
	w.pipeline.Run(logger.ContextWithJobID(ctx, payload.JobID), payload.JobID, payload.Request)
	return nil
}

// Register installs the worker's handlers on mux
func (w *RenderWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeRender, w.ProcessTask)
}
