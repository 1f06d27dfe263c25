// ============================================================================
// Delegate Agent Runtime
// ============================================================================
//
// Package: internal/agent
// File: runtime.go
// Purpose: Build the agent components around one lifecycle machine and run
//          their loops until the lifecycle reaches STOP or the context ends.
//
//   Run:
//     pool.Start ─> Register (fatal on failure)
//                     │
//        ┌────────────┼──────────────┬──────────────┐
//     heartbeats    stream        upgrades      stop watcher
//                     │
//                  Notify ─> Dispatcher ─> Pool ─> Executor
//                  restart ─> Coordinator.Restart
//
//   Shutdown: stop accepting, wait for acquisitions, pool.Stop(ShutdownGrace)
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/dispatch"
	"github.com/ChuLiYu/delegate-agent/internal/lifecycle"
	"github.com/ChuLiYu/delegate-agent/internal/managerlink"
	"github.com/ChuLiYu/delegate-agent/internal/metrics"
	"github.com/ChuLiYu/delegate-agent/internal/upgrade"
	"github.com/ChuLiYu/delegate-agent/internal/worker"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ErrRegistration is returned by Run when the agent cannot register at startup
var ErrRegistration = errors.New("agent registration failed")

// ControlPlane is the complete manager API used by the agent
type ControlPlane interface {
	managerlink.ControlPlane
	dispatch.ControlPlane
	upgrade.Checker
}

// Config configures a Runtime
type Config struct {
	Identity types.AgentIdentity

	WorkerCount      int
	QueueSize        int
	ReportTimeout    time.Duration
	ShutdownGrace    time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	StopPollInterval time.Duration

	UpgradeEnabled bool
	Upgrade        upgrade.Config
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = time.Minute
	}
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = 500 * time.Millisecond
	}
	if c.Upgrade.Version == "" {
		c.Upgrade.Version = c.Identity.Version
	}
}

// Runtime owns every component of a running agent
type Runtime struct {
	cfg Config
	cp  ControlPlane

	state      *lifecycle.Machine
	pool       *worker.Pool
	dispatcher *dispatch.Dispatcher
	link       *managerlink.Link
	upgrader   *upgrade.Coordinator

	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector handed to every component
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runtime) { r.metrics = c }
}

// New wires the components. Nothing runs until Run.
func New(cfg Config, cp ControlPlane, exec dispatch.Executor, opts ...Option) *Runtime {
	cfg.applyDefaults()
	r := &Runtime{
		cfg:    cfg,
		cp:     cp,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.state = lifecycle.New(r.logger)
	r.pool = worker.NewPool(cfg.QueueSize).WithLogger(r.logger)

	// The link is created after the dispatcher but the dispatcher reads the agent id
	// through it on every call.
	agentID := func() string { return r.link.AgentID() }

	r.dispatcher = dispatch.New(cp, exec, r.pool, r.state, agentID,
		dispatch.WithLogger(r.logger),
		dispatch.WithMetrics(r.metrics),
		dispatch.WithReportTimeout(cfg.ReportTimeout))

	r.link = managerlink.New(cp, r.dispatcher, r.state, cfg.Identity,
		managerlink.WithLogger(r.logger),
		managerlink.WithMetrics(r.metrics),
		managerlink.WithReconnectBackoff(cfg.ReconnectInitial, cfg.ReconnectMax),
		managerlink.WithRunningTasks(r.dispatcher.RunningTasks),
		managerlink.WithRestartHandler(r.restart))

	r.upgrader = upgrade.New(cfg.Upgrade, cp, r.dispatcher, r.state, agentID,
		upgrade.WithLogger(r.logger),
		upgrade.WithMetrics(r.metrics))

	r.logger = r.logger.With("component", "runtime")
	return r
}

// State returns the lifecycle machine shared by all components
func (r *Runtime) State() *lifecycle.Machine {
	return r.state
}

// Dispatcher returns the task dispatcher
func (r *Runtime) Dispatcher() *dispatch.Dispatcher {
	return r.dispatcher
}

// Link returns the manager link
func (r *Runtime) Link() *managerlink.Link {
	return r.link
}

// Upgrader returns the upgrade coordinator
func (r *Runtime) Upgrader() *upgrade.Coordinator {
	return r.upgrader
}

// restart relaunches the agent on the manager's request. A successful restart moves the
// lifecycle to STOP and the stop watcher ends Run.
func (r *Runtime) restart(ctx context.Context) {
	r.logger.Info("restart requested by manager")
	if err := r.upgrader.Restart(ctx); err != nil {
		r.logger.Warn("restart failed, agent keeps running", "error", err)
	}
}

// Run registers the agent and runs until the lifecycle reaches STOP, ctx is done or the
// manager stream fails permanently. Only a registration failure or a fatal stream error
// is returned.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.pool.Start(r.cfg.WorkerCount); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	agentID, err := r.link.Register(ctx)
	if err != nil {
		_ = r.pool.Stop(0)
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	r.metrics.SetLifecycleState(int(r.state.State()))
	r.logger.Info("agent running",
		"agent_id", agentID,
		"workers", r.cfg.WorkerCount,
		"upgrades", r.cfg.UpgradeEnabled)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		r.link.RunHeartbeats(gctx)
		return nil
	})
	g.Go(func() error {
		return r.runStream(gctx)
	})
	if r.cfg.UpgradeEnabled {
		g.Go(func() error {
			return r.upgrader.Run(gctx)
		})
	}
	g.Go(func() error {
		r.watchStop(gctx, cancel)
		return nil
	})

	err = g.Wait()
	r.shutdown()
	return err
}

// runStream keeps the stream open and registers again when the manager forgot the
// agent. Any other permanent failure stops the agent.
func (r *Runtime) runStream(ctx context.Context) error {
	for {
		err := r.link.RunStream(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, managerlink.ErrNotRegistered) {
			r.logger.Error("manager stream failed, stopping agent", "error", err)
			r.state.RequestStop()
			return err
		}

		r.logger.Warn("manager does not know this agent, registering again", "agent_id", r.link.AgentID())
		if err := r.reregister(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("re-registration failed, stopping agent", "error", err)
			r.state.RequestStop()
			return err
		}
	}
}

func (r *Runtime) reregister(ctx context.Context) error {
	delay := r.cfg.ReconnectInitial
	if delay <= 0 {
		delay = time.Second
	}
	for {
		_, err := r.link.Register(ctx)
		if err == nil {
			return nil
		}
		if !managerlink.IsTransient(err) {
			return err
		}
		r.logger.Warn("re-registration failed, retrying", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// watchStop ends the run once the lifecycle reaches STOP. When ctx ends first it
// requests STOP itself so every loop sees the same terminal state.
func (r *Runtime) watchStop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.cfg.StopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.state.RequestStop()
			return
		case <-ticker.C:
			r.metrics.SetLifecycleState(int(r.state.State()))
			if r.state.IsStopRequested() {
				r.logger.Info("stop requested, shutting down")
				cancel()
				return
			}
		}
	}
}

func (r *Runtime) shutdown() {
	r.state.RequestStop()
	r.metrics.SetLifecycleState(int(r.state.State()))

	r.dispatcher.StopAccepting()
	r.dispatcher.Wait()

	running := r.dispatcher.RunningTasks()
	if err := r.pool.Stop(r.cfg.ShutdownGrace); err != nil {
		r.logger.Warn("worker pool did not stop in time, exiting anyway",
			"error", err,
			"running_tasks", r.dispatcher.RunningTasks())
		return
	}
	r.logger.Info("agent stopped", "tasks_finished_during_shutdown", running)
}
