package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/magistory/render-server/internal/client"
	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/pkg/logger"
	"github.com/magistory/render-server/internal/registry"
)

// RenderResult is the outcome of the render stage
type RenderResult struct {
	ArtifactPath string
	Err          error
}

// UploadResult is the outcome of the upload stage
type UploadResult struct {
	URL string
	Err error
}

// PipelineConfig holds the per-job limits of a Pipeline
type PipelineConfig struct {
	TempDir       string
	RenderTimeout time.Duration // 0 means no limit
	UploadTimeout time.Duration // 0 means no limit
}

// Pipeline runs one job end to end: render into a private workspace, hand
// the artifact to storage, record the outcome. Every failure ends in a
// registry transition; nothing escapes Run.
type Pipeline struct {
	registry registry.Registry
	engine   client.RenderEngine
	storage  client.StorageClient
	cfg      PipelineConfig
	log      *logger.Logger
}

func NewPipeline(reg registry.Registry, engine client.RenderEngine, storage client.StorageClient, cfg PipelineConfig, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{
		registry: reg,
		engine:   engine,
		storage:  storage,
		cfg:      cfg,
		log:      log.WithComponent("pipeline"),
	}
}

// ArtifactKey is the storage key a job's video is published under
func ArtifactKey(jobID string) string {
	return fmt.Sprintf("renders/%s.mp4", jobID)
}

// Run drives jobID through render and upload. The job must already exist in
// processing state.
func (p *Pipeline) Run(ctx context.Context, jobID string, req *model.RenderRequest) {
	log := p.log.WithJobID(jobID)
	// registry writes must land even when a stage deadline has fired
	recordCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			p.record(recordCtx, log, jobID, registry.Failed(fmt.Sprintf("Internal error: %v", r)))
		}
	}()

	workspace := filepath.Join(p.cfg.TempDir, jobID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		log.Error("failed to create workspace", "error", err.Error())
		p.record(recordCtx, log, jobID, registry.Failed(fmt.Sprintf("Failed to prepare workspace: %v", err)))
		return
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			log.Warn("failed to remove workspace", "path", workspace, "error", err.Error())
		}
	}()

	started := time.Now()
	rendered := p.render(ctx, jobID, workspace, req)
	if rendered.Err != nil {
		log.Error("render failed", "error", rendered.Err.Error(), "elapsed", time.Since(started).String())
		p.record(recordCtx, log, jobID, registry.Failed(rendered.Err.Error()))
		return
	}
	log.Info("render finished", "artifact", rendered.ArtifactPath, "elapsed", time.Since(started).String())

	if !p.record(recordCtx, log, jobID, registry.Uploading()) {
		// record evicted or already terminal; nobody can observe the upload
		os.Remove(rendered.ArtifactPath)
		return
	}

	uploaded := p.upload(ctx, jobID, rendered.ArtifactPath)
	if uploaded.Err != nil {
		log.Error("upload failed", "error", uploaded.Err.Error())
		p.record(recordCtx, log, jobID, registry.Failed("Upload failed: "+uploaded.Err.Error()))
		return
	}

	if p.record(recordCtx, log, jobID, registry.Completed(uploaded.URL)) {
		log.Info("job completed", "video_url", uploaded.URL, "elapsed", time.Since(started).String())
	}
}

func (p *Pipeline) render(ctx context.Context, jobID, workspace string, req *model.RenderRequest) (res RenderResult) {
	defer func() {
		if r := recover(); r != nil {
			res = RenderResult{Err: fmt.Errorf("render engine panic: %v", r)}
		}
	}()

	if p.cfg.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RenderTimeout)
		defer cancel()
	}

	path, err := p.engine.Render(ctx, jobID, workspace, req)
	if err != nil {
		if p.cfg.RenderTimeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("render timed out after %s", p.cfg.RenderTimeout)
		}
		return RenderResult{Err: err}
	}
	if path == "" {
		return RenderResult{Err: errors.New("render engine produced no artifact")}
	}
	if _, err := os.Stat(path); err != nil {
		return RenderResult{Err: fmt.Errorf("render artifact missing: %w", err)}
	}
	return RenderResult{ArtifactPath: path}
}

// upload pushes the artifact and always removes the local copy
func (p *Pipeline) upload(ctx context.Context, jobID, artifactPath string) (res UploadResult) {
	defer func() {
		if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
			p.log.WithJobID(jobID).Warn("failed to remove artifact", "path", artifactPath, "error", err.Error())
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			res = UploadResult{Err: fmt.Errorf("storage panic: %v", r)}
		}
	}()

	if p.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.UploadTimeout)
		defer cancel()
	}

	url, err := p.storage.UploadFile(ctx, artifactPath, ArtifactKey(jobID), "video/mp4")
	if err != nil {
		if p.cfg.UploadTimeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", p.cfg.UploadTimeout)
		}
		return UploadResult{Err: err}
	}
	if url == "" {
		return UploadResult{Err: errors.New("storage returned an empty url")}
	}
	return UploadResult{URL: url}
}

// record applies u and reports whether it took effect
func (p *Pipeline) record(ctx context.Context, log *logger.Logger, jobID string, u registry.Update) bool {
	if err := p.registry.Transition(ctx, jobID, u); err != nil {
		log.Warn("job state not recorded", "status", u.Status, "error", err.Error())
		return false
	}
	return true
}
