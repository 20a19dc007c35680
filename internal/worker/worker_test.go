package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magistory/render-server/internal/client"
	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/registry"
)

// fakeEngine writes an artifact or fails, and remembers the workspace it used
type fakeEngine struct {
	mu        sync.Mutex
	err       error
	panicMsg  string
	block     chan struct{}
	running   atomic.Int32
	peak      atomic.Int32
	workspace string
}

func (e *fakeEngine) Render(ctx context.Context, jobID, workspace string, req *model.RenderRequest) (string, error) {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}

	e.mu.Lock()
	e.workspace = workspace
	e.mu.Unlock()

	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
	if e.err != nil {
		return "", e.err
	}

	path := filepath.Join(workspace, client.ArtifactName)
	if err := os.WriteFile(path, []byte("mp4:"+jobID), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *fakeEngine) lastWorkspace() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workspace
}

// fakeStorage records uploads and checks the artifact exists while uploading
type fakeStorage struct {
	mu       sync.Mutex
	err      error
	uploaded map[string]string
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploaded == nil {
		s.uploaded = make(map[string]string)
	}
	s.uploaded[key] = string(data)
	return s.GetPublicURL(key), nil
}

func (s *fakeStorage) UploadFile(ctx context.Context, localPath, key, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.Upload(ctx, key, f, contentType)
}

func (s *fakeStorage) GetPublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func (s *fakeStorage) object(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.uploaded[key]
	return v, ok
}

func testRequest() *model.RenderRequest {
	return &model.RenderRequest{
		Title: "Trip",
		Segments: []model.Segment{{
			Media:    []model.MediaClip{{URL: "https://example.com/a.jpg"}},
			Duration: 3,
		}},
		Resolution: model.Resolution{Width: 1280, Height: 720},
	}
}

type fixture struct {
	reg      *registry.MemoryRegistry
	engine   *fakeEngine
	storage  *fakeStorage
	pipeline *Pipeline
	tempDir  string
}

func newFixture(t *testing.T, cfg PipelineConfig) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.NewMemoryRegistry(nil),
		engine:  &fakeEngine{},
		storage: &fakeStorage{},
		tempDir: t.TempDir(),
	}
	cfg.TempDir = f.tempDir
	f.pipeline = NewPipeline(f.reg, f.engine, f.storage, cfg, nil)
	return f
}

func (f *fixture) newJob(t *testing.T) string {
	t.Helper()
	job, err := f.reg.Create(context.Background())
	require.NoError(t, err)
	return job.ID
}

func (f *fixture) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := f.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp dir should be cleaned up")
}

func TestPipeline_Success(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	id := f.newJob(t)

	f.pipeline.Run(context.Background(), id, testRequest())

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "https://cdn.example.com/renders/"+id+".mp4", job.VideoURL)
	assert.Empty(t, job.Error)

	data, ok := f.storage.object(ArtifactKey(id))
	require.True(t, ok)
	assert.Equal(t, "mp4:"+id, data)

	assert.Equal(t, filepath.Join(f.tempDir, id), f.engine.lastWorkspace())
	assertDirEmpty(t, f.tempDir)
}

func TestPipeline_RenderFailure(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.engine.err = errors.New("Render engine crashed")
	id := f.newJob(t)

	f.pipeline.Run(context.Background(), id, testRequest())

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Equal(t, "Render engine crashed", job.Error)
	assert.Empty(t, job.VideoURL)
	assertDirEmpty(t, f.tempDir)
}

func TestPipeline_UploadFailure(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.storage.err = errors.New("bucket not found")
	id := f.newJob(t)

	f.pipeline.Run(context.Background(), id, testRequest())

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Equal(t, "Upload failed: bucket not found", job.Error)
	assertDirEmpty(t, f.tempDir)
}

func TestPipeline_EnginePanicIsContained(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.engine.panicMsg = "nil frame"
	id := f.newJob(t)

	assert.NotPanics(t, func() {
		f.pipeline.Run(context.Background(), id, testRequest())
	})

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Contains(t, job.Error, "nil frame")
	assertDirEmpty(t, f.tempDir)
}

func TestPipeline_RenderTimeout(t *testing.T) {
	f := newFixture(t, PipelineConfig{RenderTimeout: 20 * time.Millisecond})
	f.engine.block = make(chan struct{})
	id := f.newJob(t)

	f.pipeline.Run(context.Background(), id, testRequest())

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Contains(t, job.Error, "timed out")
}

func TestPipeline_OuterDeadlineKeepsEngineError(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.engine.block = make(chan struct{})
	id := f.newJob(t)

	// the queue's task deadline, not a stage ceiling
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.pipeline.Run(ctx, id, testRequest())

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), job.Error)
	assert.NotContains(t, job.Error, "after 0s")
}

func TestPipeline_UploadDeadlineWithoutCeiling(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.storage.err = context.DeadlineExceeded
	id := f.newJob(t)

	f.pipeline.Run(context.Background(), id, testRequest())

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Equal(t, "Upload failed: "+context.DeadlineExceeded.Error(), job.Error)
}

func TestPipeline_EvictedDuringRender(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	id := f.newJob(t)
	_, err := f.reg.EvictOlderThan(context.Background(), -time.Hour)
	require.NoError(t, err)

	f.pipeline.Run(context.Background(), id, testRequest())

	_, err = f.reg.Get(context.Background(), id)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, uploaded := f.storage.object(ArtifactKey(id))
	assert.False(t, uploaded)
	assertDirEmpty(t, f.tempDir)
}

func TestLocalDispatcher_ReturnsBeforeRender(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.engine.block = make(chan struct{})
	d := NewLocalDispatcher(f.pipeline, 2, nil)
	id := f.newJob(t)

	require.NoError(t, d.Dispatch(context.Background(), id, testRequest()))
	assert.Equal(t, model.JobStatusProcessing, f.job(t, id).Status)

	close(f.engine.block)
	require.Eventually(t, func() bool {
		return f.job(t, id).Status == model.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.ErrorIs(t, d.Dispatch(context.Background(), f.newJob(t), testRequest()), ErrDispatcherClosed)
}

func TestLocalDispatcher_BoundsConcurrency(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.engine.block = make(chan struct{})
	d := NewLocalDispatcher(f.pipeline, 2, nil)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = f.newJob(t)
		require.NoError(t, d.Dispatch(context.Background(), ids[i], testRequest()))
	}

	require.Eventually(t, func() bool { return f.engine.running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(f.engine.block)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	assert.LessOrEqual(t, f.engine.peak.Load(), int32(2))
	for _, id := range ids {
		assert.Equal(t, model.JobStatusCompleted, f.job(t, id).Status)
	}
}

func TestLocalDispatcher_RequestContextDoesNotCancelJob(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	d := NewLocalDispatcher(f.pipeline, 1, nil)
	id := f.newJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, id, testRequest()))
	cancel()

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, model.JobStatusCompleted, f.job(t, id).Status)
}

func TestLocalDispatcher_DispatchRacingShutdown(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	d := NewLocalDispatcher(f.pipeline, 4, nil)

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = f.newJob(t)
	}

	var (
		wg       sync.WaitGroup
		accepted sync.Map
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			err := d.Dispatch(context.Background(), id, testRequest())
			if err == nil {
				accepted.Store(id, true)
				return
			}
			assert.ErrorIs(t, err, ErrDispatcherClosed)
		}(id)
	}

	close(start)
	require.NoError(t, d.Shutdown(context.Background()))
	wg.Wait()

	// a job admitted before Shutdown returned has run to completion
	accepted.Range(func(k, _ any) bool {
		assert.Equal(t, model.JobStatusCompleted, f.job(t, k.(string)).Status)
		return true
	})
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueRender}, nil
}

func TestQueueDispatcher_RoundTrip(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	q := &fakeEnqueuer{}
	d := NewQueueDispatcher(q, PipelineConfig{}, nil)
	id := f.newJob(t)

	require.NoError(t, d.Dispatch(context.Background(), id, testRequest()))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TaskTypeRender, q.tasks[0].Type())
	assert.Equal(t, defaultTaskTimeout, d.timeout)

	w := NewRenderWorker(f.pipeline, f.reg, nil)
	require.NoError(t, w.ProcessTask(context.Background(), q.tasks[0]))

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.NotEmpty(t, job.VideoURL)
}

func TestQueueDispatcher_EnqueueError(t *testing.T) {
	d := NewQueueDispatcher(&fakeEnqueuer{err: errors.New("redis down")}, PipelineConfig{RenderTimeout: time.Minute, UploadTimeout: time.Minute}, nil)
	assert.Equal(t, 3*time.Minute, d.timeout)
	assert.Error(t, d.Dispatch(context.Background(), "job-1", testRequest()))
}

func TestRenderWorker_BadPayload(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	w := NewRenderWorker(f.pipeline, f.reg, nil)

	err := w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRender, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	id := f.newJob(t)
	data, err := json.Marshal(model.RenderJobPayload{JobID: id})
	require.NoError(t, err)
	err = w.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRender, data))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	job := f.job(t, id)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Equal(t, "Invalid payload", job.Error)
}

func TestReaper_Sweep(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	ctx := context.Background()

	old, err := reg.Create(ctx)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	fresh, err := reg.Create(ctx)
	require.NoError(t, err)

	r, err := NewReaper(reg, 20*time.Millisecond, time.Hour, nil)
	require.NoError(t, err)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = reg.Get(ctx, old.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = reg.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestReaper_Schedule(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	_, err := reg.Create(context.Background())
	require.NoError(t, err)

	r, err := NewReaper(reg, time.Nanosecond, time.Second, nil)
	require.NoError(t, err)
	r.Start()
	defer func() { _ = r.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestNewReaper_InvalidDurations(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	_, err := NewReaper(reg, 0, time.Minute, nil)
	assert.Error(t, err)
	_, err = NewReaper(reg, time.Minute, 0, nil)
	assert.Error(t, err)
}
