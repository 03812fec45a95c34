package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	handlerpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/handlers"
	idspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/ids"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
)

const DefaultWorkerCount = 2

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size int
	// WorkerID names the n-th worker (1-based). Defaults to ids.WorkerID.
	WorkerID func(n int) string
	Worker   WorkerOptions

	// EventLogger receives supervisor events. Defaults to slog.Default().
	EventLogger *slog.Logger

	// Supervisor restart policy; zero values take suture's defaults.
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Pool runs a fixed set of workers under one supervisor. A worker whose
// reconnect budget runs out is restarted after the supervisor's backoff.
type Pool struct {
	supervisor *suture.Supervisor
	workers    []*Worker
	manager    *broker.Manager
	logger     loggingpkg.ServiceLogger
}

// NewPool builds opts.Size workers sharing routes.
func NewPool(manager *broker.Manager, routes map[string]handlerpkg.Handler, logger loggingpkg.ServiceLogger, opts PoolOptions) (*Pool, error) {
	if manager == nil {
		return nil, errspkg.ErrManagerRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.Size <= 0 {
		opts.Size = DefaultWorkerCount
	}
	if opts.WorkerID == nil {
		opts.WorkerID = idspkg.WorkerID
	}
	if opts.EventLogger == nil {
		opts.EventLogger = slog.Default()
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureDecay == 0 {
		opts.FailureDecay = 30
	}
	if opts.FailureBackoff == 0 {
		opts.FailureBackoff = 15 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Worker.Stats == nil {
		opts.Worker.Stats = NewStatsRegistry()
	}

	hook := (&sutureslog.Handler{Logger: opts.EventLogger}).MustHook()
	supervisor := suture.New("pipeline-workers", suture.Spec{
		EventHook:        hook,
		FailureThreshold: opts.FailureThreshold,
		FailureDecay:     opts.FailureDecay,
		FailureBackoff:   opts.FailureBackoff,
		Timeout:          opts.ShutdownTimeout,
	})

	p := &Pool{
		supervisor: supervisor,
		manager:    manager,
		logger:     loggingpkg.Component(logger, "pool"),
	}
	for n := 1; n <= opts.Size; n++ {
		w, err := NewWorker(opts.WorkerID(n), manager, routes, logger, opts.Worker)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", n, err)
		}
		p.workers = append(p.workers, w)
		supervisor.Add(w)
	}
	return p, nil
}

// Serve runs every worker until ctx ends.
func (p *Pool) Serve(ctx context.Context) error {
	p.logger.Info("Worker pool starting", loggingpkg.LogFields{"workers": len(p.workers)})
	return p.supervisor.Serve(ctx)
}

// ServeBackground runs the pool in a goroutine; the channel yields Serve's result.
func (p *Pool) ServeBackground(ctx context.Context) <-chan error {
	p.logger.Info("Worker pool starting", loggingpkg.LogFields{"workers": len(p.workers)})
	return p.supervisor.ServeBackground(ctx)
}

// Stop stops every worker. Stopped workers are not restarted.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
	p.logger.Info("Worker pool stopped", nil)
}

func (p *Pool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers...)
}

// States maps worker ids to their lifecycle state.
func (p *Pool) States() map[string]WorkerState {
	states := make(map[string]WorkerState, len(p.workers))
	for _, w := range p.workers {
		states[w.ID()] = w.State()
	}
	return states
}

// Stats returns the per-queue processing statistics shared by the workers.
func (p *Pool) Stats() map[string]QueueStatsSnapshot {
	if len(p.workers) == 0 {
		return nil
	}
	return p.workers[0].opts.Stats.Snapshot()
}

// Health combines the manager's connection report with worker states.
func (p *Pool) Health() PoolHealth {
	report := p.manager.Health()
	states := p.States()
	out := PoolHealth{HealthReport: report, States: make(map[string]string, len(states))}
	consuming := 0
	for id, s := range states {
		out.States[id] = s.String()
		if s == StateConsuming {
			consuming++
		}
	}
	out.Healthy = consuming > 0
	return out
}

// PoolHealth is served by the ops endpoint.
type PoolHealth struct {
	broker.HealthReport
	States  map[string]string `json:"states"`
	Healthy bool              `json:"healthy"`
}
