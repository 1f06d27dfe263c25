// ============================================================================
// Delegate Upgrade Coordinator - in-place binary replacement
// ============================================================================
//
// Package: internal/upgrade
// File: coordinator.go
// Purpose: Replace the running agent with a newer version without dropping
//          accepted tasks or leaving the fleet.
//
// One attempt, seen from the running (old) process:
//
//   CheckUpgrade ── no ──> done
//        │ yes
//   launch replacement (download artifact, start detached)   ≤ LaunchTimeout
//        │
//   wait for "<started>"                                     ≤ ReadinessTimeout
//        │
//   write go-ahead marker
//        │
//   wait for "<proceeding-to-takeover>"                      ≤ TakeoverTimeout
//        │
//   stop accepting, wait for running tasks                   ≤ MaxDrainWait
//        │
//   PAUSE -> PAUSED -> STOP
//
// Any failure before the drain kills the replacement, re-enables acceptance
// and leaves the lifecycle in RUNNING. The marker is removed in every case.
//
// ============================================================================

package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/lifecycle"
	"github.com/ChuLiYu/delegate-agent/internal/metrics"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
)

var (
	// ErrNotReady means the replacement never printed the started milestone
	ErrNotReady = errors.New("replacement did not report started")
	// ErrNoTakeover means the replacement never confirmed the takeover
	ErrNoTakeover = errors.New("replacement did not proceed to takeover")
	// ErrChildExited means the replacement exited during the handshake
	ErrChildExited = errors.New("replacement exited during handshake")
	// ErrNoCommand means there is nothing to launch
	ErrNoCommand = errors.New("no replacement command configured")
	// ErrNotRunning means the lifecycle is not in RUNNING
	ErrNotRunning = errors.New("agent is not running")
)

// Environment passed to the replacement process
const (
	EnvTargetVersion   = "DELEGATE_TARGET_VERSION"
	EnvHandshakeMarker = "DELEGATE_HANDSHAKE_MARKER"
	EnvArtifact        = "DELEGATE_UPGRADE_ARTIFACT"
)

// Checker asks the manager whether a newer version should replace this one
type Checker interface {
	CheckUpgrade(ctx context.Context, version, agentID string) (types.UpgradeDecision, error)
}

// Drainer controls task intake during a handoff, implemented by *dispatch.Dispatcher
type Drainer interface {
	StopAccepting()
	ResumeAccepting()
	// InFlight counts running tasks and acquisitions not yet answered by the manager
	InFlight() int64
}

// Config controls upgrade attempts
type Config struct {
	Version string // version of this process

	CheckInterval     time.Duration
	LaunchTimeout     time.Duration
	ReadinessTimeout  time.Duration
	TakeoverTimeout   time.Duration
	MaxDrainWait      time.Duration
	DrainPollInterval time.Duration
	KillGrace         time.Duration
	RestartSettle     time.Duration

	MarkerPath string
	// Command starts the replacement. "{artifact}" and "{marker}" are substituted.
	// When empty a downloaded artifact is started as "<artifact> run --handshake-marker <marker>".
	Command        []string
	RestartCommand []string
	Env            []string
	ArtifactDir    string
}

// DefaultConfig returns the default timeouts
func DefaultConfig() Config {
	return Config{
		CheckInterval:     5 * time.Minute,
		LaunchTimeout:     5 * time.Minute,
		ReadinessTimeout:  15 * time.Minute,
		TakeoverTimeout:   5 * time.Minute,
		MaxDrainWait:      10 * time.Minute,
		DrainPollInterval: time.Second,
		KillGrace:         10 * time.Second,
		RestartSettle:     10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	setDefault(&c.CheckInterval, d.CheckInterval)
	setDefault(&c.LaunchTimeout, d.LaunchTimeout)
	setDefault(&c.ReadinessTimeout, d.ReadinessTimeout)
	setDefault(&c.TakeoverTimeout, d.TakeoverTimeout)
	setDefault(&c.MaxDrainWait, d.MaxDrainWait)
	setDefault(&c.DrainPollInterval, d.DrainPollInterval)
	setDefault(&c.KillGrace, d.KillGrace)
	setDefault(&c.RestartSettle, d.RestartSettle)
}

func setDefault(v *time.Duration, d time.Duration) {
	if *v <= 0 {
		*v = d
	}
}

// Coordinator runs upgrade attempts
type Coordinator struct {
	cfg     Config
	checker Checker
	drainer Drainer
	state   *lifecycle.Machine
	agentID func() string
	fetcher *Fetcher

	attempt sync.Mutex
	mu      sync.Mutex
	last    *child

	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithFetcher replaces the artifact fetcher
func WithFetcher(f *Fetcher) Option {
	return func(c *Coordinator) { c.fetcher = f }
}

// New creates a coordinator
func New(cfg Config, checker Checker, drainer Drainer, state *lifecycle.Machine, agentID func() string, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:     cfg,
		checker: checker,
		drainer: drainer,
		state:   state,
		agentID: agentID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "upgrade")
	if c.fetcher == nil && cfg.ArtifactDir != "" {
		c.fetcher = NewFetcher(cfg.ArtifactDir, c.logger)
	}
	return c
}

// Run checks for upgrades every CheckInterval while the agent is running. It returns
// after a successful upgrade, on STOP or when ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if c.state.IsStopRequested() {
			return nil
		}
		if !c.state.IsRunning() {
			continue
		}

		upgraded, err := c.TryUpgrade(ctx)
		if err != nil {
			c.logger.Warn("upgrade attempt failed", "error", err)
			continue
		}
		if upgraded {
			return nil
		}
	}
}

// TryUpgrade runs one attempt. It reports true when the replacement took over and the
// lifecycle reached STOP.
func (c *Coordinator) TryUpgrade(ctx context.Context) (bool, error) {
	c.attempt.Lock()
	defer c.attempt.Unlock()

	if !c.state.IsRunning() {
		return false, ErrNotRunning
	}

	decision, err := c.checker.CheckUpgrade(ctx, c.cfg.Version, c.agentID())
	if err != nil {
		c.metrics.RecordUpgrade(metrics.UpgradeFailed)
		return false, fmt.Errorf("check upgrade: %w", err)
	}
	if !decision.ShouldUpgrade {
		c.logger.Debug("no upgrade available", "version", c.cfg.Version)
		return false, nil
	}

	logger := c.logger.With("from", c.cfg.Version, "to", decision.TargetVersion)
	logger.Info("upgrade available, launching replacement")

	if err := c.upgrade(ctx, decision, logger); err != nil {
		return false, err
	}
	c.metrics.RecordUpgrade(metrics.UpgradeUpgraded)
	logger.Info("replacement took over, agent stopping")
	return true, nil
}

func (c *Coordinator) upgrade(ctx context.Context, decision types.UpgradeDecision, logger *slog.Logger) error {
	defer func() {
		if err := RemoveMarker(c.cfg.MarkerPath); err != nil {
			logger.Warn("failed to remove go-ahead marker", "error", err)
		}
	}()

	launchCtx, cancel := context.WithTimeout(ctx, c.cfg.LaunchTimeout)
	ch, err := c.launch(launchCtx, decision, logger)
	cancel()
	if err != nil {
		c.metrics.RecordUpgrade(metrics.UpgradeFailed)
		return fmt.Errorf("launch replacement: %w", err)
	}

	if err := ch.await(ctx, ch.milestones.started, c.cfg.ReadinessTimeout, ErrNotReady); err != nil {
		c.abort(ch, logger, err)
		return err
	}

	if err := WriteMarker(c.cfg.MarkerPath); err != nil {
		c.abort(ch, logger, err)
		return err
	}
	logger.Info("go-ahead marker written", "path", c.cfg.MarkerPath)

	if err := ch.await(ctx, ch.milestones.proceeding, c.cfg.TakeoverTimeout, ErrNoTakeover); err != nil {
		c.abort(ch, logger, err)
		return err
	}

	c.drain(ctx, logger)
	c.handoff()
	return nil
}

func (c *Coordinator) launch(ctx context.Context, decision types.UpgradeDecision, logger *slog.Logger) (*child, error) {
	var artifact string
	if decision.ArtifactURL != "" && c.fetcher != nil {
		path, err := c.fetcher.Fetch(ctx, decision.ArtifactURL, decision.TargetVersion)
		if err != nil {
			return nil, err
		}
		artifact = path
		logger.Info("artifact downloaded", "path", artifact)
	}

	command := c.cfg.Command
	if len(command) == 0 && artifact != "" {
		command = []string{"{artifact}", "run", "--handshake-marker", "{marker}"}
	}
	argv := expand(command, artifact, c.cfg.MarkerPath)

	env := append([]string(nil), c.cfg.Env...)
	env = append(env,
		EnvTargetVersion+"="+decision.TargetVersion,
		EnvHandshakeMarker+"="+c.cfg.MarkerPath,
		EnvArtifact+"="+artifact,
	)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := startChild(argv, env, logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.last = ch
	c.mu.Unlock()
	return ch, nil
}

func expand(argv []string, artifact, marker string) []string {
	out := make([]string, len(argv))
	r := strings.NewReplacer("{artifact}", artifact, "{marker}", marker)
	for i, arg := range argv {
		out[i] = r.Replace(arg)
	}
	return out
}

func (c *Coordinator) abort(ch *child, logger *slog.Logger, cause error) {
	logger.Warn("aborting upgrade", "error", cause, "output_tail", ch.milestones.Tail())
	ch.terminate(c.cfg.KillGrace)
	c.drainer.ResumeAccepting()
	c.metrics.RecordUpgrade(metrics.UpgradeAborted)
}

// drain waits for running tasks and for acquisitions already sent to the manager.
// Tasks still running after MaxDrainWait are abandoned.
func (c *Coordinator) drain(ctx context.Context, logger *slog.Logger) {
	c.drainer.StopAccepting()

	deadline := time.Now().Add(c.cfg.MaxDrainWait)
	ticker := time.NewTicker(c.cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		running := c.drainer.InFlight()
		if running == 0 {
			logger.Info("all running tasks finished")
			return
		}
		if !time.Now().Before(deadline) {
			logger.Warn("drain wait exceeded, abandoning running tasks", "running_tasks", running)
			return
		}
		logger.Debug("waiting for running tasks", "running_tasks", running)

		select {
		case <-ctx.Done():
			logger.Warn("drain interrupted", "running_tasks", running)
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) handoff() {
	c.state.RequestPause()
	c.state.ConfirmPaused()
	c.state.RequestStop()
}

// Restart relaunches the agent through RestartCommand (a service manager, usually).
// The agent pauses first; if the command is still alive after RestartSettle the agent
// stops, otherwise it resumes.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.attempt.Lock()
	defer c.attempt.Unlock()

	if len(c.cfg.RestartCommand) == 0 {
		return ErrNoCommand
	}
	if !c.state.RequestPause() {
		return ErrNotRunning
	}
	c.drainer.StopAccepting()

	resume := func() {
		c.drainer.ResumeAccepting()
		c.state.Resume()
	}

	ch, err := startChild(expand(c.cfg.RestartCommand, "", c.cfg.MarkerPath), c.cfg.Env, c.logger)
	if err != nil {
		resume()
		c.metrics.RecordUpgrade(metrics.UpgradeFailed)
		return fmt.Errorf("restart: %w", err)
	}
	c.mu.Lock()
	c.last = ch
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.RestartSettle)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.state.ConfirmPaused()
		c.state.RequestStop()
		c.metrics.RecordUpgrade(metrics.UpgradeRestarted)
		c.logger.Info("restart command settled, agent stopping")
		return nil
	case <-ch.exited:
		c.logger.Warn("restart command exited early", "error", ch.waitErr, "output_tail", ch.milestones.Tail())
		resume()
		c.metrics.RecordUpgrade(metrics.UpgradeFailed)
		return fmt.Errorf("restart: %w", ErrChildExited)
	case <-ctx.Done():
		ch.terminate(c.cfg.KillGrace)
		resume()
		return ctx.Err()
	}
}

// lastChild returns the most recently started process
func (c *Coordinator) lastChild() *child {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
