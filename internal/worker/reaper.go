package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/magistory/render-server/internal/pkg/logger"
	"github.com/magistory/render-server/internal/registry"
)

// Reaper periodically evicts jobs older than the retention window, in any
// status. A job still processing when its window closes is evicted too and
// later status queries for it return not found.
type Reaper struct {
	cron      *cron.Cron
	registry  registry.Registry
	retention time.Duration
	sweeps    singleflight.Group
	log       *logger.Logger
}

func NewReaper(reg registry.Registry, retention, interval time.Duration, log *logger.Logger) (*Reaper, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("reaper interval must be positive, got %s", interval)
	}
	if log == nil {
		log = logger.Discard()
	}

	r := &Reaper{
		cron:      cron.New(),
		registry:  reg,
		retention: retention,
		log:       log.WithComponent("reaper"),
	}

	if _, err := r.cron.AddFunc("@every "+interval.String(), func() {
		_, _ = r.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule reaper: %w", err)
	}
	return r, nil
}

// Start runs the schedule in the background
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep until ctx is done
func (r *Reaper) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep evicts expired jobs once. Overlapping calls share a single pass.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	v, err, _ := r.sweeps.Do("sweep", func() (interface{}, error) {
		return r.registry.EvictOlderThan(ctx, r.retention)
	})
	if err != nil {
		r.log.Error("eviction failed", "error", err.Error())
		return 0, err
	}

	n := v.(int)
	if n > 0 {
		r.log.Info("evicted expired jobs", "count", n, "retention", r.retention.String())
	}
	return n, nil
}
