package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// child is a spawned replacement process
type child struct {
	cmd        *exec.Cmd
	milestones *milestoneWriter
	exited     chan struct{}
	waitErr    error
	logger     *slog.Logger
}

func startChild(argv, env []string, logger *slog.Logger) (*child, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}

	mw := newMilestoneWriter(logger)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	// Same writer for both streams: exec copies them through a single pipe.
	cmd.Stdout = mw
	cmd.Stderr = mw
	cmd.WaitDelay = time.Second
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start replacement %s: %w", argv[0], err)
	}

	c := &child{
		cmd:        cmd,
		milestones: mw,
		exited:     make(chan struct{}),
		logger:     logger.With("pid", cmd.Process.Pid),
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.exited)
	}()

	c.logger.Info("replacement process started", "command", argv[0])
	return c, nil
}

// Exited reports whether the process has terminated
func (c *child) Exited() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

// await blocks until milestone is closed. Exit of the process, ctx or timeout end the
// wait with an error. A milestone printed right before exiting still counts.
func (c *child) await(ctx context.Context, milestone <-chan struct{}, timeout time.Duration, timeoutErr error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-milestone:
		return nil
	case <-c.exited:
		select {
		case <-milestone:
			return nil
		default:
		}
		return fmt.Errorf("%w: %v", ErrChildExited, c.waitErr)
	case <-timer.C:
		return fmt.Errorf("%w after %s", timeoutErr, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate asks the process to exit and kills it after grace
func (c *child) terminate(grace time.Duration) {
	if c.Exited() {
		return
	}
	if err := interrupt(c.cmd.Process); err != nil {
		c.logger.Warn("failed to signal replacement", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.exited:
		c.logger.Info("replacement process exited")
		return
	case <-timer.C:
	}

	if err := c.cmd.Process.Kill(); err != nil {
		c.logger.Warn("failed to kill replacement", "error", err)
	}
	<-c.exited
	c.logger.Info("replacement process killed", "output_tail", c.milestones.Tail())
}
