package upgrade

import (
	"context"
	"fmt"
	"io"
	"time"
)

// RunHandshake is the replacement side of an upgrade. It announces it has started,
// waits for the go-ahead marker written by the running agent and announces the
// takeover. The caller starts serving once it returns nil.
func RunHandshake(ctx context.Context, out io.Writer, markerPath string, poll time.Duration) error {
	if _, err := fmt.Fprintln(out, MilestoneStarted); err != nil {
		return fmt.Errorf("announce start: %w", err)
	}
	if err := AwaitGoAhead(ctx, markerPath, poll); err != nil {
		return fmt.Errorf("await go-ahead: %w", err)
	}
	if _, err := fmt.Fprintln(out, MilestoneProceeding); err != nil {
		return fmt.Errorf("announce takeover: %w", err)
	}
	return nil
}
