package agent

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/dispatch"
	"github.com/ChuLiYu/delegate-agent/internal/lifecycle"
	"github.com/ChuLiYu/delegate-agent/internal/metrics"
	"github.com/ChuLiYu/delegate-agent/internal/server"
	"github.com/ChuLiYu/delegate-agent/internal/transport"
	"github.com/ChuLiYu/delegate-agent/internal/upgrade"
	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startManager serves an in-memory manager over bufconn and returns a client for it
func startManager(t *testing.T) (*server.Server, *transport.Client) {
	t.Helper()

	manager := server.NewServer(server.WithLogger(discardLogger()), server.WithKeepalive(50*time.Millisecond))
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	transport.RegisterManagerServer(srv, manager)
	go func() { _ = srv.Serve(lis) }()

	client, err := transport.Dial("passthrough:///bufnet", transport.Options{
		AccountID: "acct-1",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
	})
	return manager, client
}

func echoExecutor() dispatch.Executor {
	registry := dispatch.NewRegistry()
	registry.Register("echo", dispatch.ExecutorFunc(func(_ context.Context, env *types.TaskEnvelope) types.TaskResult {
		return types.TaskResult{Status: types.ResultSuccess, Output: env.Payload}
	}))
	return registry
}

func testConfig(accountID string) Config {
	return Config{
		Identity: types.AgentIdentity{
			AccountID:         accountID,
			HostName:          "test-host",
			Version:           "1.0.0",
			HeartbeatInterval: 100 * time.Millisecond,
		},
		WorkerCount:      2,
		QueueSize:        10,
		ReportTimeout:    time.Second,
		ShutdownGrace:    2 * time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		StopPollInterval: 10 * time.Millisecond,
	}
}

func runAsync(ctx context.Context, rt *Runtime) <-chan error {
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
		return nil
	}
}

func submitAndWait(t *testing.T, manager *server.Server, client *transport.Client, msg string) types.TaskResult {
	t.Helper()

	id, err := client.SubmitTask(context.Background(), "echo", map[string]any{"msg": msg})
	require.NoError(t, err)

	var result types.TaskResult
	require.Eventually(t, func() bool {
		var ok bool
		result, ok = manager.Result(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return result
}

func TestRuntime_ExecutesTasks(t *testing.T) {
	manager, client := startManager(t)
	collector := metrics.NewCollector(nil)

	rt := New(testConfig("acct-1"), client, echoExecutor(), WithLogger(discardLogger()), WithMetrics(collector))
	done := runAsync(context.Background(), rt)

	require.Eventually(t, func() bool {
		agents := manager.Agents()
		return len(agents) == 1 && agents[0].Identity.Connected
	}, 5*time.Second, 10*time.Millisecond)

	result := submitAndWait(t, manager, client, "hello")
	assert.True(t, result.Succeeded())
	assert.Equal(t, "hello", result.Output["msg"])

	unknown, err := client.SubmitTask(context.Background(), "unknown", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		res, ok := manager.Result(unknown)
		return ok && res.Status == types.ResultFailure
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), rt.Dispatcher().RunningTasks())

	rt.State().RequestStop()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, lifecycle.Stop, rt.State().State())
	assert.False(t, rt.Dispatcher().Accepting())
}

func TestRuntime_RegistrationFailure(t *testing.T) {
	_, client := startManager(t)

	rt := New(testConfig(""), client, echoExecutor(), WithLogger(discardLogger()))
	err := rt.Run(context.Background())
	require.ErrorIs(t, err, ErrRegistration)
}

func TestRuntime_ContextCancelStops(t *testing.T) {
	manager, client := startManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	rt := New(testConfig("acct-1"), client, echoExecutor(), WithLogger(discardLogger()))
	done := runAsync(ctx, rt)

	require.Eventually(t, func() bool { return len(manager.Agents()) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, lifecycle.Stop, rt.State().State())
}

func TestRuntime_RegistersAgainAfterLeaseExpiry(t *testing.T) {
	manager, client := startManager(t)

	rt := New(testConfig("acct-1"), client, echoExecutor(), WithLogger(discardLogger()))
	done := runAsync(context.Background(), rt)

	require.Eventually(t, func() bool { return rt.Link().Connected() }, 5*time.Second, 10*time.Millisecond)
	first := rt.Link().AgentID()

	expired := manager.Sweep(time.Now().Add(time.Hour))
	require.Equal(t, []string{first}, expired)

	require.Eventually(t, func() bool {
		id := rt.Link().AgentID()
		return id != first && rt.Link().Connected() && len(manager.Agents()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, lifecycle.Running, rt.State().State())

	result := submitAndWait(t, manager, client, "again")
	assert.True(t, result.Succeeded())

	rt.State().RequestStop()
	require.NoError(t, waitDone(t, done))
}

// TestRestartHelperProcess is not a real test. It plays the restart command that
// relaunches the agent.
func TestRestartHelperProcess(t *testing.T) {
	if os.Getenv("DELEGATE_RESTART_HELPER") != "1" {
		return
	}
	time.Sleep(2 * time.Second)
	os.Exit(0)
}

func TestRuntime_RestartRequestedByManager(t *testing.T) {
	manager, client := startManager(t)

	cfg := testConfig("acct-1")
	cfg.Upgrade = upgrade.Config{
		RestartCommand: []string{os.Args[0], "-test.run=^TestRestartHelperProcess$"},
		Env:            []string{"DELEGATE_RESTART_HELPER=1"},
		RestartSettle:  200 * time.Millisecond,
		KillGrace:      time.Second,
	}
	rt := New(cfg, client, echoExecutor(), WithLogger(discardLogger()))
	done := runAsync(context.Background(), rt)

	require.Eventually(t, func() bool { return rt.Link().Connected() }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return manager.RequestRestart(rt.Link().AgentID()) == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, lifecycle.Stop, rt.State().State())
}

func TestRuntime_RestartWithoutCommandKeepsRunning(t *testing.T) {
	manager, client := startManager(t)

	rt := New(testConfig("acct-1"), client, echoExecutor(), WithLogger(discardLogger()))
	done := runAsync(context.Background(), rt)

	require.Eventually(t, func() bool { return rt.Link().Connected() }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return manager.RequestRestart(rt.Link().AgentID()) == nil
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, lifecycle.Running, rt.State().State())
	result := submitAndWait(t, manager, client, "still here")
	assert.True(t, result.Succeeded())

	rt.State().RequestStop()
	require.NoError(t, waitDone(t, done))
}

func TestProbeIdentity(t *testing.T) {
	id := ProbeIdentity("acct-1", "1.2.3", "", "127.0.0.1:7070", time.Minute)
	assert.Equal(t, "acct-1", id.AccountID)
	assert.Equal(t, "1.2.3", id.Version)
	assert.Equal(t, time.Minute, id.HeartbeatInterval)
	assert.NotEmpty(t, id.HostName)
	assert.NotEmpty(t, id.InstanceID)
	assert.Equal(t, "127.0.0.1", id.HostAddress)

	named := ProbeIdentity("acct-1", "1.2.3", "worker-7", "not an address", time.Minute)
	assert.Equal(t, "worker-7", named.HostName)
	assert.NotEqual(t, id.InstanceID, named.InstanceID)
}
