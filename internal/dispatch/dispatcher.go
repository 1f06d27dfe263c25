// ============================================================================
// Delegate Dispatcher - task notification to execution
// ============================================================================
//
// Package: internal/dispatch
// File: dispatcher.go
// Purpose: Turn "task X is available" notifications into at most one execution
//          per task on this agent, and report each result exactly once.
//
// Flow for one notification:
//
//   stream ──Notify(id)──> goroutine
//                            │  accepting? ── no ──> drop
//                            │  (counted by InFlight from here on)
//                            ├─ AcquireTask(id) ── nil ──> drop (another agent won)
//                            │
//                            ├─ running.Inc()
//                            └─ pool.Submit(work)
//                                       │
//                                 execute(envelope) -> TaskResult
//                                       │
//                                 ReportResult(result)   (failure is logged only)
//                                       │
//                                 running.Dec()          (always, after delivery)
//
// Notify never blocks the stream receive loop.
//
// ============================================================================

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/lifecycle"
	"github.com/ChuLiYu/delegate-agent/internal/logctx"
	"github.com/ChuLiYu/delegate-agent/internal/metrics"
	"github.com/ChuLiYu/delegate-agent/internal/worker"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
)

// ControlPlane is the part of the manager API the dispatcher needs
type ControlPlane interface {
	// AcquireTask claims id for agentID. A nil envelope with a nil error means the task
	// was already taken.
	AcquireTask(ctx context.Context, agentID string, id types.TaskID) (*types.TaskEnvelope, error)
	// ReportResult delivers the outcome of an acquired task.
	ReportResult(ctx context.Context, agentID string, result types.TaskResult) error
}

// Submitter runs tasks, implemented by *worker.Pool
type Submitter interface {
	Submit(task worker.Task) error
}

const defaultReportTimeout = 30 * time.Second

// Dispatcher gates acquisition and owns result delivery
type Dispatcher struct {
	cp      ControlPlane
	exec    Executor
	pool    Submitter
	state   *lifecycle.Machine
	agentID func() string

	running   Counter
	acquiring atomic.Int64
	accepting atomic.Bool
	pending   sync.WaitGroup

	reportTimeout time.Duration
	metrics       *metrics.Collector
	logger        *slog.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithReportTimeout bounds each ReportResult call
func WithReportTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.reportTimeout = timeout
		}
	}
}

// New creates a dispatcher that accepts tasks. agentID is read on every call so it
// follows re-registration.
func New(cp ControlPlane, exec Executor, pool Submitter, state *lifecycle.Machine, agentID func() string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cp:            cp,
		exec:          exec,
		pool:          pool,
		state:         state,
		agentID:       agentID,
		reportTimeout: defaultReportTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	d.accepting.Store(true)
	return d
}

// Notify handles one task notification without blocking the caller
func (d *Dispatcher) Notify(ctx context.Context, id types.TaskID) {
	if !d.Accepting() {
		d.logger.Debug("ignoring task notification, not accepting", "task_id", id)
		return
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		d.acquire(ctx, id)
	}()
}

// StopAccepting makes further notifications no-ops. Running tasks are unaffected.
func (d *Dispatcher) StopAccepting() {
	if d.accepting.Swap(false) {
		d.logger.Info("task acquisition disabled", "running", d.running.Load())
	}
}

// ResumeAccepting re-enables acquisition
func (d *Dispatcher) ResumeAccepting() {
	if !d.accepting.Swap(true) {
		d.logger.Info("task acquisition enabled")
	}
}

// Accepting reports whether a notification would lead to an acquisition attempt
func (d *Dispatcher) Accepting() bool {
	if !d.accepting.Load() {
		return false
	}
	return d.state == nil || d.state.IsRunning()
}

// RunningTasks returns RunningTaskCount
func (d *Dispatcher) RunningTasks() int64 {
	return d.running.Load()
}

// InFlight returns RunningTaskCount plus acquisitions still waiting on the manager. A
// drain is complete only when it reaches zero after StopAccepting.
func (d *Dispatcher) InFlight() int64 {
	// acquiring is read first: a task moves into running before it leaves acquiring.
	acquiring := d.acquiring.Load()
	return acquiring + d.running.Load()
}

// Wait blocks until every in-flight acquisition has either been dropped or handed to
// the pool.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

func (d *Dispatcher) acquire(ctx context.Context, id types.TaskID) {
	d.acquiring.Add(1)
	defer d.acquiring.Add(-1)

	if !d.Accepting() {
		return
	}

	agentID := d.agentID()
	env, err := d.cp.AcquireTask(ctx, agentID, id)
	if err != nil {
		d.logger.Warn("acquire task failed", "task_id", id, "error", err)
		return
	}
	if env == nil {
		d.metrics.RecordLostRace()
		d.logger.Debug("task already acquired elsewhere", "task_id", id)
		return
	}
	if env.ID == "" {
		env.ID = id
	}
	if env.AcquiredAt.IsZero() {
		env.AcquiredAt = time.Now()
	}

	d.metrics.SetRunningTasks(d.running.Inc())
	d.metrics.RecordAcquired()

	// Execution is not cancelled with the agent, only the final shutdown grace ends it.
	runCtx := logctx.WithFields(context.WithoutCancel(ctx), logctx.Fields{
		"task_id":   string(env.ID),
		"task_type": env.Type,
	})
	task := worker.Task{
		ID: string(env.ID),
		Work: logctx.Wrap(runCtx, func(ctx context.Context) {
			d.run(ctx, env)
		}),
	}

	if err := d.pool.Submit(task); err != nil {
		d.logger.Error("submit task to pool failed", "task_id", env.ID, "error", err)
		d.complete(runCtx, types.FailedResult(env.ID, fmt.Errorf("agent cannot run task: %w", err)))
	}
}

func (d *Dispatcher) run(ctx context.Context, env *types.TaskEnvelope) {
	start := time.Now()
	result := d.execute(ctx, env)
	result.TaskID = env.ID
	if result.Status == "" {
		result.Status = types.ResultFailure
	}
	result.Duration = time.Since(start)
	d.complete(ctx, result)
}

func (d *Dispatcher) execute(ctx context.Context, env *types.TaskEnvelope) (result types.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "task executor panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result = types.FailedResult(env.ID, fmt.Errorf("executor panic: %v", r))
		}
	}()
	return d.exec.Execute(ctx, env)
}

// complete delivers result once and then releases the running slot, whether or not
// delivery succeeded.
func (d *Dispatcher) complete(ctx context.Context, result types.TaskResult) {
	defer func() {
		d.metrics.SetRunningTasks(d.running.Dec())
	}()

	d.metrics.RecordCompleted(string(result.Status), result.Duration)

	reportCtx, cancel := context.WithTimeout(ctx, d.reportTimeout)
	defer cancel()

	if err := d.cp.ReportResult(reportCtx, d.agentID(), result); err != nil {
		d.metrics.RecordDeliveryFailed()
		d.logger.ErrorContext(ctx, "report task result failed", "task_id", result.TaskID, "status", result.Status, "error", err)
		return
	}
	d.logger.DebugContext(ctx, "task result reported", "task_id", result.TaskID, "status", result.Status, "duration", result.Duration)
}
