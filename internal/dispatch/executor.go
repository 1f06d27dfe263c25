package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/delegate-agent/pkg/types"
)

// Executor runs one task and returns its result. The dispatcher delivers the returned
// result, executors never talk to the manager themselves.
type Executor interface {
	Execute(ctx context.Context, env *types.TaskEnvelope) types.TaskResult
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, env *types.TaskEnvelope) types.TaskResult

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, env *types.TaskEnvelope) types.TaskResult {
	return f(ctx, env)
}

// Registry routes tasks to executors by task type
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds taskType to e, replacing any previous binding
func (r *Registry) Register(taskType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskType] = e
}

// Types lists registered task types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute runs the executor registered for env.Type
func (r *Registry) Execute(ctx context.Context, env *types.TaskEnvelope) types.TaskResult {
	r.mu.RLock()
	e, ok := r.executors[env.Type]
	r.mu.RUnlock()

	if !ok {
		return types.FailedResult(env.ID, fmt.Errorf("no executor registered for task type %q", env.Type))
	}
	return e.Execute(ctx, env)
}
