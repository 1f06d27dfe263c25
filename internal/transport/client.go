package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/managerlink"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Result delivery is the only call retried at this layer, and only while the manager is
// unreachable.
const defaultServiceConfig = `{
  "methodConfig": [{
    "name": [{"service": "delegate.v1.ManagerService", "method": "ReportResult"}],
    "retryPolicy": {
      "maxAttempts": 4,
      "initialBackoff": "0.5s",
      "maxBackoff": "5s",
      "backoffMultiplier": 2,
      "retryableStatusCodes": ["UNAVAILABLE"]
    }
  }]
}`

// Options configures Dial
type Options struct {
	AccountID   string
	Tokens      TokenSource
	TLS         TLSConfig
	DialOptions []grpc.DialOption // appended last, mostly for tests
}

// Client talks to the manager over gRPC. It satisfies the control-plane interfaces of
// managerlink, dispatch and upgrade.
type Client struct {
	conn  grpc.ClientConnInterface
	close func() error
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string, opts Options) (*Client, error) {
	creds, err := transportCredentials(opts.TLS)
	if err != nil {
		return nil, err
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(tokenCredentials{
			accountID:  opts.AccountID,
			source:     opts.Tokens,
			requireTLS: opts.TLS.Enabled,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultServiceConfig(defaultServiceConfig),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial manager %s: %w", addr, err)
	}
	return &Client{conn: conn, close: conn.Close}, nil
}

// NewClient wraps an existing connection. Close does not close conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, close: func() error { return nil }}
}

// Close releases the connection created by Dial
func (c *Client) Close() error {
	return c.close()
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Register announces identity and returns the issued agent id
func (c *Client) Register(ctx context.Context, identity types.AgentIdentity) (string, error) {
	req, err := encodeIdentity(identity)
	if err != nil {
		return "", err
	}
	resp, err := c.invoke(ctx, methodRegister, req)
	if err != nil {
		return "", fmt.Errorf("rpc register failed: %w", err)
	}
	return getString(resp, "agent_id"), nil
}

// Heartbeat publishes identity's liveness fields
func (c *Client) Heartbeat(ctx context.Context, identity types.AgentIdentity) error {
	req, err := encodeIdentity(identity)
	if err != nil {
		return err
	}
	if _, err := c.invoke(ctx, methodHeartbeat, req); err != nil {
		return fmt.Errorf("rpc heartbeat failed: %w", err)
	}
	return nil
}

// AcquireTask claims id. A nil envelope means another agent has it.
func (c *Client) AcquireTask(ctx context.Context, agentID string, id types.TaskID) (*types.TaskEnvelope, error) {
	req, err := newStruct(map[string]any{"agent_id": agentID, "task_id": string(id)})
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, methodAcquireTask, req)
	if err != nil {
		return nil, fmt.Errorf("rpc acquire task failed: %w", err)
	}
	return decodeEnvelope(resp), nil
}

// ReportResult delivers result for a task acquired by agentID
func (c *Client) ReportResult(ctx context.Context, agentID string, result types.TaskResult) error {
	req, err := encodeResult(agentID, result)
	if err != nil {
		return err
	}
	if _, err := c.invoke(ctx, methodReportResult, req); err != nil {
		return fmt.Errorf("rpc report result failed: %w", err)
	}
	return nil
}

// CheckUpgrade asks whether version should be replaced
func (c *Client) CheckUpgrade(ctx context.Context, version, agentID string) (types.UpgradeDecision, error) {
	req, err := newStruct(map[string]any{"version": version, "agent_id": agentID})
	if err != nil {
		return types.UpgradeDecision{}, err
	}
	resp, err := c.invoke(ctx, methodCheckUpgrade, req)
	if err != nil {
		return types.UpgradeDecision{}, fmt.Errorf("rpc check upgrade failed: %w", err)
	}
	return decodeDecision(resp), nil
}

// SubmitTask queues a task on the manager
func (c *Client) SubmitTask(ctx context.Context, taskType string, payload map[string]any) (types.TaskID, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	req, err := newStruct(map[string]any{"task_type": taskType, "payload": payload})
	if err != nil {
		return "", err
	}
	resp, err := c.invoke(ctx, methodSubmitTask, req)
	if err != nil {
		return "", fmt.Errorf("rpc submit task failed: %w", err)
	}
	return types.TaskID(getString(resp, "task_id")), nil
}

// OpenStream opens the notification stream for agentID. The stream lives until ctx is
// done or Close is called.
func (c *Client) OpenStream(ctx context.Context, agentID string) (managerlink.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(streamCtx, &serviceDesc.Streams[0], methodConnect)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("rpc connect failed: %w", err)
	}

	hello, err := newStruct(map[string]any{"agent_id": agentID})
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(hello); err != nil {
		// io.EOF hides the real status, which RecvMsg returns.
		if errors.Is(err, io.EOF) {
			err = cs.RecvMsg(new(structpb.Struct))
		}
		cancel()
		return nil, fmt.Errorf("send stream hello: %w", err)
	}
	return &clientStream{cs: cs, cancel: cancel}, nil
}

type clientStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *clientStream) Recv() (types.StreamMessage, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		return types.StreamMessage{}, err
	}
	return decodeMessage(msg), nil
}

func (s *clientStream) Close() error {
	err := s.cs.CloseSend()
	s.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
