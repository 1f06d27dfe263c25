// ============================================================================
// Development Manager - task store
// ============================================================================
//
// Package: internal/server
// File: tasks.go
// Purpose: Task state machine of the development manager
//
// States:
//
//   pending ──Acquire──> acquired ──Complete──> completed
//      ↑                    │
//      └──────Release───────┘   (agent lease expired before a result arrived)
//
// Acquire is the acquire-once gate: among any number of agents notified about
// the same task exactly one gets the envelope, the others get nil.
//
// ============================================================================

package server

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/delegate-agent/pkg/types"
)

var (
	// ErrDuplicateTask is returned when a task id is enqueued twice
	ErrDuplicateTask = errors.New("task already exists")
	// ErrTaskNotFound is returned for unknown task ids
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotAcquired is returned when a result arrives for a task the agent does not hold
	ErrNotAcquired = errors.New("task not acquired by this agent")
)

// TaskState is the manager-side state of a task
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskAcquired  TaskState = "acquired"
	TaskCompleted TaskState = "completed"
)

// TaskRecord is one task known to the manager
type TaskRecord struct {
	Envelope   types.TaskEnvelope
	State      TaskState
	AgentID    string
	Result     *types.TaskResult
	CreatedAt  time.Time
	AcquiredAt time.Time
}

// TaskStore holds tasks in memory
type TaskStore struct {
	mu    sync.Mutex
	tasks map[types.TaskID]*TaskRecord
	order []types.TaskID
}

// NewTaskStore creates an empty store
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[types.TaskID]*TaskRecord)}
}

// Enqueue adds a pending task
func (s *TaskStore) Enqueue(env types.TaskEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[env.ID]; ok {
		return ErrDuplicateTask
	}
	s.tasks[env.ID] = &TaskRecord{
		Envelope:  env,
		State:     TaskPending,
		CreatedAt: time.Now(),
	}
	s.order = append(s.order, env.ID)
	return nil
}

// Acquire hands id to agentID if it is still pending. It returns nil otherwise.
func (s *TaskStore) Acquire(id types.TaskID, agentID string) *types.TaskEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok || rec.State != TaskPending {
		return nil
	}
	now := time.Now()
	rec.State = TaskAcquired
	rec.AgentID = agentID
	rec.AcquiredAt = now

	env := rec.Envelope
	env.AcquiredAt = now
	env.Payload = copyPayload(rec.Envelope.Payload)
	return &env
}

// Complete records the result of a task acquired by agentID
func (s *TaskStore) Complete(agentID string, result types.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[result.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.State != TaskAcquired || rec.AgentID != agentID {
		return ErrNotAcquired
	}
	rec.State = TaskCompleted
	res := result
	rec.Result = &res
	return nil
}

// Release returns the tasks held by agentID to pending and lists them
func (s *TaskStore) Release(agentID string) []types.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []types.TaskID
	for _, id := range s.order {
		rec := s.tasks[id]
		if rec.State == TaskAcquired && rec.AgentID == agentID {
			rec.State = TaskPending
			rec.AgentID = ""
			released = append(released, id)
		}
	}
	return released
}

// Pending lists pending task ids in submission order
func (s *TaskStore) Pending() []types.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.TaskID
	for _, id := range s.order {
		if s.tasks[id].State == TaskPending {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the record for id
func (s *TaskStore) Get(id types.TaskID) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, false
	}
	return *rec, true
}

// Stats counts tasks per state
func (s *TaskStore) Stats() map[TaskState]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[TaskState]int{TaskPending: 0, TaskAcquired: 0, TaskCompleted: 0}
	for _, rec := range s.tasks {
		stats[rec.State]++
	}
	return stats
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
