// ============================================================================
// Delegate Manager Link - control-plane session
// ============================================================================
//
// Package: internal/managerlink
// File: link.go
// Purpose: Keep this agent known to the manager and feed task notifications
//          from the manager stream to the dispatcher.
//
// Loops (each runs in its own goroutine, started by the agent runtime):
//
//   RunHeartbeats:
//     every HeartbeatInterval
//       RUNNING -> publish status ENABLED
//       PAUSE   -> publish status DRAINING
//       PAUSED  -> skip
//       STOP    -> exit
//     errors are logged and swallowed
//
//   RunStream:
//     open stream(agentID) ─┬─> publish liveness (connected=true)
//                           └─> recv loop: task -> Notify, noop -> drop,
//                                          restart -> restart handler
//     transient error  -> backoff, reopen with the same agent id
//     other errors     -> return ErrStreamFatal
//
// Register is called once before the loops start, its failure is fatal.
//
// ============================================================================

package managerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/lifecycle"
	"github.com/ChuLiYu/delegate-agent/internal/metrics"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
)

// ControlPlane is the part of the manager API the link needs
type ControlPlane interface {
	Register(ctx context.Context, identity types.AgentIdentity) (string, error)
	Heartbeat(ctx context.Context, identity types.AgentIdentity) error
	OpenStream(ctx context.Context, agentID string) (Stream, error)
}

// Stream is an open task notification stream
type Stream interface {
	// Recv blocks until the next message. It returns an error once the stream is broken
	// or its context is done.
	Recv() (types.StreamMessage, error)
	Close() error
}

// Notifier receives task notifications, implemented by the dispatcher
type Notifier interface {
	Notify(ctx context.Context, id types.TaskID)
}

const (
	defaultHeartbeatInterval = 60 * time.Second
	defaultReconnectInitial  = time.Second
	defaultReconnectMax      = time.Minute
)

// Link is the agent's session with the manager
type Link struct {
	cp       ControlPlane
	notifier Notifier
	state    *lifecycle.Machine

	mu       sync.Mutex
	identity types.AgentIdentity

	connected    atomic.Bool
	runningTasks func() int64
	onRestart    func(ctx context.Context)

	reconnectInitial time.Duration
	reconnectMax     time.Duration
	rpcTimeout       time.Duration

	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Link
type Option func(*Link)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Link) { l.metrics = c }
}

// WithReconnectBackoff sets the initial and maximum reconnect delay
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(l *Link) {
		if initial > 0 {
			l.reconnectInitial = initial
		}
		if max > 0 {
			l.reconnectMax = max
		}
	}
}

// WithRunningTasks reports RunningTaskCount in heartbeats
func WithRunningTasks(fn func() int64) Option {
	return func(l *Link) { l.runningTasks = fn }
}

// WithRestartHandler handles restart requests from the manager. fn runs in its own
// goroutine so the stream keeps draining while the agent restarts.
func WithRestartHandler(fn func(ctx context.Context)) Option {
	return func(l *Link) { l.onRestart = fn }
}

// New creates a link for identity. identity.HeartbeatInterval defaults to one minute.
func New(cp ControlPlane, notifier Notifier, state *lifecycle.Machine, identity types.AgentIdentity, opts ...Option) *Link {
	if identity.HeartbeatInterval <= 0 {
		identity.HeartbeatInterval = defaultHeartbeatInterval
	}
	l := &Link{
		cp:               cp,
		notifier:         notifier,
		state:            state,
		identity:         identity,
		reconnectInitial: defaultReconnectInitial,
		reconnectMax:     defaultReconnectMax,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.rpcTimeout = identity.HeartbeatInterval
	l.logger = l.logger.With("component", "manager_link")
	return l
}

// Register announces the agent and stores the issued agent id
func (l *Link) Register(ctx context.Context) (string, error) {
	identity := l.Identity()
	identity.Status = types.AgentEnabled

	agentID, err := l.cp.Register(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("register agent: %w", err)
	}
	if agentID == "" {
		return "", errors.New("register agent: manager returned an empty agent id")
	}

	l.mu.Lock()
	l.identity.AgentID = agentID
	l.identity.Status = types.AgentEnabled
	l.mu.Unlock()

	l.logger.Info("agent registered",
		"agent_id", agentID,
		"host", identity.HostName,
		"address", identity.HostAddress,
		"version", identity.Version)
	return agentID, nil
}

// AgentID returns the id issued by the last successful Register
func (l *Link) AgentID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identity.AgentID
}

// Identity returns a copy of the current identity
func (l *Link) Identity() types.AgentIdentity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identity
}

// Connected reports whether the stream is currently open
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// RunHeartbeats publishes the agent status every heartbeat interval until ctx is done
// or the lifecycle reaches STOP.
func (l *Link) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(l.Identity().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch l.state.State() {
			case lifecycle.Stop:
				l.logger.Info("heartbeat loop exiting, agent stopping")
				return
			case lifecycle.Paused:
				continue
			}
			if err := l.heartbeat(ctx); err != nil {
				l.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// PublishLiveness tells the manager right away that the agent is connected and enabled
func (l *Link) PublishLiveness(ctx context.Context) error {
	return l.publish(ctx, types.AgentEnabled)
}

func (l *Link) heartbeat(ctx context.Context) error {
	status, ok := statusFor(l.state.State())
	if !ok {
		return nil
	}
	return l.publish(ctx, status)
}

func (l *Link) publish(ctx context.Context, status types.AgentStatus) error {
	snapshot := l.Identity()
	snapshot.Status = status
	snapshot.Connected = l.connected.Load()
	snapshot.LastHeartbeatAt = time.Now()
	if l.runningTasks != nil {
		snapshot.RunningTasks = l.runningTasks()
	}

	hbCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout)
	defer cancel()

	err := l.cp.Heartbeat(hbCtx, snapshot)
	l.metrics.RecordHeartbeat(err)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	l.mu.Lock()
	l.identity.Status = snapshot.Status
	l.identity.Connected = snapshot.Connected
	l.identity.LastHeartbeatAt = snapshot.LastHeartbeatAt
	l.identity.RunningTasks = snapshot.RunningTasks
	l.mu.Unlock()
	return nil
}

func statusFor(s lifecycle.State) (types.AgentStatus, bool) {
	switch s {
	case lifecycle.Running:
		return types.AgentEnabled, true
	case lifecycle.Pause:
		return types.AgentDraining, true
	default:
		return "", false
	}
}

// RunStream keeps the notification stream open. It returns nil when ctx is done or the
// lifecycle reaches STOP, and an error wrapping ErrStreamFatal when the manager rejects
// the stream.
func (l *Link) RunStream(ctx context.Context) error {
	b := newBackoff(l.reconnectInitial, l.reconnectMax)
	opened := false

	for {
		if l.stopping(ctx) {
			return nil
		}

		stream, err := l.cp.OpenStream(ctx, l.AgentID())
		if err != nil {
			if l.stopping(ctx) {
				return nil
			}
			if !IsTransient(err) {
				return fatal(err)
			}
			l.logger.Warn("open stream failed, retrying", "error", err, "retry_in", b.current)
			if b.wait(ctx) != nil {
				return nil
			}
			continue
		}

		l.connected.Store(true)
		if opened {
			l.metrics.RecordReconnect()
			l.logger.Info("stream reconnected", "agent_id", l.AgentID())
		} else {
			l.logger.Info("stream connected", "agent_id", l.AgentID())
		}
		opened = true
		b.reset()

		// The manager must see connected=true before the next heartbeat tick.
		if err := l.PublishLiveness(ctx); err != nil {
			l.logger.Warn("publish liveness failed", "error", err)
		}

		err = l.consume(ctx, stream)
		_ = stream.Close()
		l.connected.Store(false)

		if err == nil || l.stopping(ctx) {
			return nil
		}
		if !IsTransient(err) {
			return fatal(err)
		}

		l.logger.Warn("stream interrupted, reconnecting", "error", err, "retry_in", b.current)
		if b.wait(ctx) != nil {
			return nil
		}
	}
}

func (l *Link) consume(ctx context.Context, stream Stream) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		if l.state.IsStopRequested() {
			return nil
		}

		switch msg.Kind {
		case types.MessageTask:
			if msg.TaskID == "" {
				l.logger.Debug("task message without id dropped")
				continue
			}
			l.notifier.Notify(ctx, msg.TaskID)
		case types.MessageNoop:
		case types.MessageRestart:
			if l.onRestart == nil {
				l.logger.Warn("restart requested but no restart handler is configured")
				continue
			}
			go l.onRestart(ctx)
		default:
			l.logger.Debug("unknown stream message dropped", "kind", msg.Kind)
		}
	}
}

func (l *Link) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || l.state.IsStopRequested()
}
