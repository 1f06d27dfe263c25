package worker

import (
	"github.com/ChuLiYu/delegate-agent/internal/logctx"
)

// Task is a unit of work handed to the pool
type Task struct {
	ID   string      // used for logging only
	Work logctx.Work // carries the submitter's diagnostic fields
}
