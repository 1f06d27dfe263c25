package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/transport"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/mod/semver"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server is an in-memory manager implementing transport.ManagerServer. It is meant for
// development and tests, nothing is persisted.
type Server struct {
	tasks *TaskStore

	mu          sync.RWMutex
	agents      map[string]*AgentInfo
	subscribers map[string]chan types.StreamMessage

	leaseDuration     time.Duration
	keepaliveInterval time.Duration
	latestVersion     string
	artifactURL       string

	logger *slog.Logger
}

// AgentInfo tracks the state of a registered agent
type AgentInfo struct {
	Identity   types.AgentIdentity
	LastSeen   time.Time
	ExpiryTime time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLatestVersion makes CheckUpgrade offer version (and artifactURL) to older agents
func WithLatestVersion(version, artifactURL string) Option {
	return func(s *Server) {
		s.latestVersion = version
		s.artifactURL = artifactURL
	}
}

// WithLease sets how long an agent stays registered without heartbeats
func WithLease(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.leaseDuration = d
		}
	}
}

// WithKeepalive sets the interval of noop messages on open streams
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepaliveInterval = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

var _ transport.ManagerServer = (*Server)(nil)

// NewServer creates an empty manager
func NewServer(opts ...Option) *Server {
	s := &Server{
		tasks:             NewTaskStore(),
		agents:            make(map[string]*AgentInfo),
		subscribers:       make(map[string]chan types.StreamMessage),
		leaseDuration:     3 * time.Minute,
		keepaliveInterval: 30 * time.Second,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "manager")
	return s
}

// Tasks exposes the task store
func (s *Server) Tasks() *TaskStore {
	return s.tasks
}

// Register issues a new agent id for identity
func (s *Server) Register(_ context.Context, identity types.AgentIdentity) (string, error) {
	if identity.AccountID == "" {
		return "", status.Error(codes.InvalidArgument, "account id is required")
	}

	agentID := uuid.NewString()
	identity.AgentID = agentID
	now := time.Now()

	s.mu.Lock()
	s.agents[agentID] = &AgentInfo{
		Identity:   identity,
		LastSeen:   now,
		ExpiryTime: now.Add(s.leaseDuration),
	}
	s.mu.Unlock()

	s.logger.Info("agent registered", "agent_id", agentID, "host", identity.HostName, "version", identity.Version)
	return agentID, nil
}

// Heartbeat extends the lease of a registered agent
func (s *Server) Heartbeat(_ context.Context, identity types.AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.agents[identity.AgentID]
	if !ok {
		return status.Errorf(codes.NotFound, "agent %q is not registered", identity.AgentID)
	}
	now := time.Now()
	info.Identity.Status = identity.Status
	info.Identity.Connected = identity.Connected
	info.Identity.LastHeartbeatAt = identity.LastHeartbeatAt
	info.Identity.RunningTasks = identity.RunningTasks
	info.LastSeen = now
	info.ExpiryTime = now.Add(s.leaseDuration)
	return nil
}

// Connect streams notifications to agentID until ctx is done. Only this goroutine
// calls send.
func (s *Server) Connect(ctx context.Context, agentID string, send func(types.StreamMessage) error) error {
	s.mu.Lock()
	if _, ok := s.agents[agentID]; !ok {
		s.mu.Unlock()
		return status.Errorf(codes.NotFound, "agent %q is not registered", agentID)
	}
	ch := make(chan types.StreamMessage, 256)
	if old, ok := s.subscribers[agentID]; ok {
		close(old)
	}
	s.subscribers[agentID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.subscribers[agentID] == ch {
			delete(s.subscribers, agentID)
		}
		s.mu.Unlock()
	}()

	s.logger.Info("agent stream opened", "agent_id", agentID)

	// Tasks submitted while the agent was away.
	for _, id := range s.tasks.Pending() {
		if err := send(types.StreamMessage{Kind: types.MessageTask, TaskID: id}); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if !s.known(agentID) {
					return status.Errorf(codes.NotFound, "agent %q lease expired", agentID)
				}
				return status.Error(codes.Aborted, "stream replaced by a newer connection")
			}
			if err := send(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := send(types.StreamMessage{Kind: types.MessageNoop}); err != nil {
				return err
			}
		}
	}
}

// AcquireTask hands the task to the first agent asking for it
func (s *Server) AcquireTask(_ context.Context, agentID string, id types.TaskID) (*types.TaskEnvelope, error) {
	if !s.known(agentID) {
		return nil, status.Errorf(codes.NotFound, "agent %q is not registered", agentID)
	}
	env := s.tasks.Acquire(id, agentID)
	if env != nil {
		s.logger.Debug("task acquired", "task_id", id, "agent_id", agentID)
	}
	return env, nil
}

// ReportResult records the result of an acquired task
func (s *Server) ReportResult(_ context.Context, agentID string, result types.TaskResult) error {
	err := s.tasks.Complete(agentID, result)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return status.Errorf(codes.NotFound, "task %q not found", result.TaskID)
	case errors.Is(err, ErrNotAcquired):
		return status.Errorf(codes.FailedPrecondition, "task %q is not held by agent %q", result.TaskID, agentID)
	case err != nil:
		return status.Error(codes.Internal, err.Error())
	}
	s.logger.Info("task completed", "task_id", result.TaskID, "agent_id", agentID, "status", result.Status)
	return nil
}

// CheckUpgrade offers the configured latest version to agents running an older one
func (s *Server) CheckUpgrade(_ context.Context, version, agentID string) (types.UpgradeDecision, error) {
	if s.latestVersion == "" {
		return types.UpgradeDecision{}, nil
	}
	current, latest := canonical(version), canonical(s.latestVersion)
	if !semver.IsValid(latest) {
		return types.UpgradeDecision{}, status.Errorf(codes.FailedPrecondition, "configured version %q is not semver", s.latestVersion)
	}
	if semver.IsValid(current) && semver.Compare(latest, current) <= 0 {
		return types.UpgradeDecision{}, nil
	}
	s.logger.Info("offering upgrade", "agent_id", agentID, "from", version, "to", s.latestVersion)
	return types.UpgradeDecision{
		ShouldUpgrade: true,
		TargetVersion: s.latestVersion,
		ArtifactURL:   s.artifactURL,
	}, nil
}

// SubmitTask queues a task and notifies every connected agent
func (s *Server) SubmitTask(_ context.Context, taskType string, payload map[string]any) (types.TaskID, error) {
	if taskType == "" {
		return "", status.Error(codes.InvalidArgument, "task type is required")
	}
	id := types.TaskID(uuid.NewString())
	if err := s.tasks.Enqueue(types.TaskEnvelope{ID: id, Type: taskType, Payload: payload}); err != nil {
		return "", status.Error(codes.AlreadyExists, err.Error())
	}
	s.broadcast(id)
	return id, nil
}

// Sweep drops agents whose lease expired and returns their tasks to pending
func (s *Server) Sweep(now time.Time) []string {
	s.mu.Lock()
	var expired []string
	for id, info := range s.agents {
		if now.After(info.ExpiryTime) {
			expired = append(expired, id)
			delete(s.agents, id)
			if ch, ok := s.subscribers[id]; ok {
				close(ch)
				delete(s.subscribers, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		released := s.tasks.Release(id)
		s.logger.Warn("agent lease expired", "agent_id", id, "released_tasks", len(released))
		for _, taskID := range released {
			s.broadcast(taskID)
		}
	}
	return expired
}

// RequestRestart asks a connected agent to relaunch itself through its restart command
func (s *Server) RequestRestart(agentID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.agents[agentID]; !ok {
		return status.Errorf(codes.NotFound, "agent %q is not registered", agentID)
	}
	ch, ok := s.subscribers[agentID]
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "agent %q has no open stream", agentID)
	}
	select {
	case ch <- types.StreamMessage{Kind: types.MessageRestart}:
		s.logger.Info("restart requested", "agent_id", agentID)
		return nil
	default:
		return status.Errorf(codes.ResourceExhausted, "agent %q stream queue is full", agentID)
	}
}

// RestartAll asks every connected agent to restart and returns the agents reached
func (s *Server) RestartAll() []string {
	var reached []string
	for _, info := range s.Agents() {
		if err := s.RequestRestart(info.Identity.AgentID); err != nil {
			s.logger.Warn("restart request not delivered", "agent_id", info.Identity.AgentID, "error", err)
			continue
		}
		reached = append(reached, info.Identity.AgentID)
	}
	return reached
}

// Run sweeps expired agents until ctx is done
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.leaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Agents lists registered agents
func (s *Server) Agents() []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, info := range s.agents {
		out = append(out, *info)
	}
	return out
}

// Result returns the reported result of id, if any
func (s *Server) Result(id types.TaskID) (types.TaskResult, bool) {
	rec, ok := s.tasks.Get(id)
	if !ok || rec.Result == nil {
		return types.TaskResult{}, false
	}
	return *rec.Result, true
}

func (s *Server) known(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[agentID]
	return ok
}

func (s *Server) broadcast(id types.TaskID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg := types.StreamMessage{Kind: types.MessageTask, TaskID: id}
	for agentID, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("subscriber queue full, notification dropped", "agent_id", agentID, "task_id", id)
		}
	}
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// String summarises the manager state for logs
func (s *Server) String() string {
	stats := s.tasks.Stats()
	s.mu.RLock()
	agents := len(s.agents)
	s.mu.RUnlock()
	return fmt.Sprintf("agents=%d pending=%d acquired=%d completed=%d",
		agents, stats[TaskPending], stats[TaskAcquired], stats[TaskCompleted])
}
