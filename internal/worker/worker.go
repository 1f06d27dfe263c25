package worker

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/logctx"
)

// Worker is one goroutine of the pool. Its holder mirrors the diagnostic fields of the
// task it is running and is empty between tasks.
type Worker struct {
	id     int
	taskCh <-chan Task
	diag   logctx.Holder
	logger *slog.Logger
}

func newWorker(id int, taskCh <-chan Task, logger *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		logger: logger.With("worker", id),
	}
}

// Run executes tasks until the task channel is closed and drained
func (w *Worker) Run() {
	for task := range w.taskCh {
		w.execute(task)
	}
}

// Fields returns the diagnostic fields of the task currently running on this worker
func (w *Worker) Fields() logctx.Fields {
	return w.diag.Current()
}

func (w *Worker) execute(task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked",
				append(task.Work.Fields().Attrs(), "task", task.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))...)
		}
	}()

	task.Work.Run(&w.diag)

	w.logger.Debug("task finished",
		append(task.Work.Fields().Attrs(), "task", task.ID, "duration", time.Since(start))...)
}
