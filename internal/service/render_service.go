package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/magistory/render-server/internal/auth"
	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/pkg/logger"
	"github.com/magistory/render-server/internal/registry"
	"github.com/magistory/render-server/internal/script"
	"github.com/magistory/render-server/internal/worker"
)

// ErrAdmission means the caller was charged but the job could not be
// created or started.
var ErrAdmission = errors.New("failed to start render job")

// Authorizer checks a credential and debits the render cost
type Authorizer interface {
	Authorize(ctx context.Context, authHeader string, cost int) (*auth.Principal, error)
}

// RenderService handles render job admission and status queries
type RenderService struct {
	gate       Authorizer
	registry   registry.Registry
	dispatcher worker.Dispatcher
	cost       int
	log        *logger.Logger
}

func NewRenderService(gate Authorizer, reg registry.Registry, dispatcher worker.Dispatcher, cost int, log *logger.Logger) *RenderService {
	if log == nil {
		log = logger.Discard()
	}
	return &RenderService{
		gate:       gate,
		registry:   reg,
		dispatcher: dispatcher,
		cost:       cost,
		log:        log.WithComponent("render_service"),
	}
}

// Cost is the number of credits one render debits
func (s *RenderService) Cost() int {
	return s.cost
}

// StartRender charges the caller, records a new job and hands it to the
// dispatcher. It returns as soon as the job is handed off. req must already
// be validated.
func (s *RenderService) StartRender(ctx context.Context, authHeader string, req *model.RenderRequest) (*model.RenderStartResponse, error) {
	principal, err := s.gate.Authorize(ctx, authHeader, s.cost)
	if err != nil {
		s.log.FromContext(ctx).Info("render request blocked", "error", err.Error())
		return nil, err
	}

	job, err := s.registry.Create(ctx)
	if err != nil {
		s.log.FromContext(ctx).Error("job not created after debit",
			"user_id", principal.ID, "cost", s.cost, "error", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
	}

	log := s.log.FromContext(ctx).WithJobID(job.ID)

	if err := s.dispatcher.Dispatch(ctx, job.ID, script.Normalize(req)); err != nil {
		log.Error("job not dispatched after debit",
			"user_id", principal.ID, "cost", s.cost, "error", err.Error())
		_ = s.registry.Transition(context.WithoutCancel(ctx), job.ID, registry.Failed("Failed to start render: "+err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrAdmission, err)
	}

	log.Info("job started", "user_id", principal.ID, "segments", len(req.Segments))
	return &model.RenderStartResponse{JobID: job.ID}, nil
}

// GetStatus returns the polling view of a job
func (s *RenderService) GetStatus(ctx context.Context, jobID string) (*model.RenderStatusResponse, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.StatusResponse(), nil
}
