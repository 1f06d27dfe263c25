package upgrade

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// Lines printed by a replacement process on its stdout. They are the whole contract
// between two versions of the agent, together with the go-ahead marker file.
const (
	MilestoneStarted    = "<started>"
	MilestoneProceeding = "<proceeding-to-takeover>"
)

const tailLines = 20

// milestoneWriter receives the combined output of the replacement process and closes a
// channel the first time each milestone line is seen.
type milestoneWriter struct {
	mu      sync.Mutex
	partial []byte
	tail    []string

	started    chan struct{}
	proceeding chan struct{}
	seen       map[string]bool

	logger *slog.Logger
}

func newMilestoneWriter(logger *slog.Logger) *milestoneWriter {
	return &milestoneWriter{
		started:    make(chan struct{}),
		proceeding: make(chan struct{}),
		seen:       make(map[string]bool),
		logger:     logger,
	}
}

func (w *milestoneWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		w.line(line)
	}
	return len(p), nil
}

func (w *milestoneWriter) line(line string) {
	w.tail = append(w.tail, line)
	if len(w.tail) > tailLines {
		w.tail = w.tail[1:]
	}
	w.logger.Debug("replacement output", "line", line)

	switch {
	case strings.Contains(line, MilestoneStarted):
		w.mark(MilestoneStarted, w.started)
	case strings.Contains(line, MilestoneProceeding):
		w.mark(MilestoneProceeding, w.proceeding)
	}
}

func (w *milestoneWriter) mark(name string, ch chan struct{}) {
	if w.seen[name] {
		return
	}
	w.seen[name] = true
	close(ch)
	w.logger.Info("replacement reached milestone", "milestone", name)
}

// Tail returns the last lines written, oldest first
func (w *milestoneWriter) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tail...)
}
