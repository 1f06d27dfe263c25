package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/dispatch"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
)

// builtinExecutors returns the task types every agent understands
func builtinExecutors(logger *slog.Logger) *dispatch.Registry {
	registry := dispatch.NewRegistry()

	registry.Register("echo", dispatch.ExecutorFunc(func(ctx context.Context, env *types.TaskEnvelope) types.TaskResult {
		logger.InfoContext(ctx, "echo task")
		return types.TaskResult{Status: types.ResultSuccess, Output: env.Payload}
	}))

	// sleep holds a worker for payload.duration (Go duration syntax).
	registry.Register("sleep", dispatch.ExecutorFunc(func(ctx context.Context, env *types.TaskEnvelope) types.TaskResult {
		raw, _ := env.Payload["duration"].(string)
		d, err := time.ParseDuration(raw)
		if err != nil {
			return types.FailedResult(env.ID, fmt.Errorf("invalid duration %q: %w", raw, err))
		}
		logger.InfoContext(ctx, "sleep task", "duration", d)
		time.Sleep(d)
		return types.TaskResult{
			Status: types.ResultSuccess,
			Output: map[string]any{"slept": d.String()},
		}
	}))

	return registry
}
