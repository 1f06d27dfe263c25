package managerlink

import (
	"context"
	"errors"
	"io"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrStreamFatal is returned by RunStream when the stream failed in a way a
	// reconnect cannot fix.
	ErrStreamFatal = errors.New("manager stream failed permanently")
	// ErrNotRegistered means the manager no longer knows this agent id.
	ErrNotRegistered = errors.New("agent is not registered with the manager")
)

// IsTransient reports whether err is worth retrying on the same registration
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded, codes.Internal:
		return true
	}
	return false
}

// fatal wraps a non-transient stream error
func fatal(err error) error {
	if status.Code(err) == codes.NotFound {
		return errors.Join(ErrStreamFatal, ErrNotRegistered, err)
	}
	return errors.Join(ErrStreamFatal, err)
}
