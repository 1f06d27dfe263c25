package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "delegate", cmd.Use, "Root command should be 'delegate'")
	assert.Equal(t, Version, cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["manager"], "Should have 'manager' command")
	assert.True(t, commandNames["submit"], "Should have 'submit' command")
	assert.True(t, commandNames["version"], "Should have 'version' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/delegate.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.Flags().Lookup("handshake-marker"), "Should have --handshake-marker flag")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildManagerCommand(t *testing.T) {
	cmd := buildManagerCommand()

	assert.Equal(t, "manager", cmd.Use)
	portFlag := cmd.Flags().Lookup("port")
	require.NotNil(t, portFlag)
	assert.Equal(t, "7070", portFlag.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("latest-version"))
	assert.NotNil(t, cmd.Flags().Lookup("artifact-url"))
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand, "Should have -f shorthand")
	assert.NotNil(t, cmd.Flags().Lookup("manager"))
}

func TestVersionCommand(t *testing.T) {
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func noEnv(string) string { return "" }

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "delegate.yaml")

	configContent := `
manager:
  address: "manager.internal:7070"
  account_id: "acct-42"
  account_secret: "s3cret"
  tls:
    enabled: true
    ca_file: "/etc/delegate/ca.pem"

agent:
  name: "builder-1"
  heartbeat_interval: 30s
  worker_count: 8
  queue_size: 50

upgrade:
  enabled: true
  check_interval: 2m
  max_upgrade_wait: 20m
  marker_path: "/var/run/delegate/marker"
  command: ["{artifact}", "run", "--handshake-marker", "{marker}"]

metrics:
  enabled: true
  port: 8080

log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath, true, noEnv)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "manager.internal:7070", cfg.Manager.Address)
	assert.Equal(t, "acct-42", cfg.Manager.AccountID)
	assert.Equal(t, "s3cret", cfg.Manager.AccountSecret)
	assert.True(t, cfg.Manager.TLS.Enabled)
	assert.Equal(t, "/etc/delegate/ca.pem", cfg.Manager.TLS.CAFile)

	assert.Equal(t, "builder-1", cfg.Agent.Name)
	assert.Equal(t, 30*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 8, cfg.Agent.WorkerCount)
	assert.Equal(t, 50, cfg.Agent.QueueSize)

	assert.True(t, cfg.Upgrade.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Upgrade.CheckInterval)
	assert.Equal(t, 20*time.Minute, cfg.Upgrade.MaxUpgradeWait)
	assert.Equal(t, []string{"{artifact}", "run", "--handshake-marker", "{marker}"}, cfg.Upgrade.Command)

	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset values fall back to defaults.
	assert.Equal(t, 30*time.Second, cfg.Agent.ReportTimeout)
	assert.Equal(t, time.Minute, cfg.Agent.ShutdownGrace)
	assert.Equal(t, 15*time.Minute, cfg.Upgrade.ReadinessTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Upgrade.TakeoverTimeout)

	up := cfg.upgradeConfig("1.0.0")
	assert.Equal(t, "1.0.0", up.Version)
	assert.Equal(t, 20*time.Minute, up.MaxDrainWait)
	assert.Equal(t, "/var/run/delegate/marker", up.MarkerPath)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	_, err := loadConfig(path, true, noEnv)
	assert.Error(t, err, "explicit config must exist")

	cfg, err := loadConfig(path, false, noEnv)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Agent.WorkerCount)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Error(t, cfg.Validate(), "manager address and account are required")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("manager: [unclosed"), 0644))

	_, err := loadConfig(configPath, true, noEnv)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "delegate.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
manager:
  address: "from-file:7070"
  account_id: "file-account"
agent:
  heartbeat_interval: 30s
`), 0644))

	env := map[string]string{
		EnvManagerAddress:    "from-env:7070",
		EnvAccountID:         "env-account",
		EnvAccountSecret:     "env-secret",
		EnvHeartbeatInterval: "15s",
		EnvMaxUpgradeWait:    "3m",
		EnvLogLevel:          "warn",
	}
	cfg, err := loadConfig(configPath, true, func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, "from-env:7070", cfg.Manager.Address)
	assert.Equal(t, "env-account", cfg.Manager.AccountID)
	assert.Equal(t, "env-secret", cfg.Manager.AccountSecret)
	assert.Equal(t, 15*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 3*time.Minute, cfg.Upgrade.MaxUpgradeWait)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_InvalidEnvDuration(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "none.yaml"), false, func(k string) string {
		if k == EnvHeartbeatInterval {
			return "often"
		}
		return ""
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvHeartbeatInterval)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manager.address")
	assert.Contains(t, err.Error(), "manager.account_id")

	cfg.Manager.Address = "localhost:7070"
	cfg.Manager.AccountID = "acct"
	assert.NoError(t, cfg.Validate())

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "v", record["k"])

	_, err = newLogger("loud", "text", &buf)
	assert.Error(t, err)
	_, err = newLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestReadSubmissions(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "tasks.json")
	require.NoError(t, os.WriteFile(good, []byte(`[
  {"type": "echo", "payload": {"msg": "hi"}},
  {"type": "sleep", "payload": {"duration": "1s"}}
]`), 0644))

	tasks, err := readSubmissions(good)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "echo", tasks[0].Type)
	assert.Equal(t, "hi", tasks[0].Payload["msg"])

	untyped := filepath.Join(dir, "untyped.json")
	require.NoError(t, os.WriteFile(untyped, []byte(`[{"payload": {}}]`), 0644))
	_, err = readSubmissions(untyped)
	assert.Error(t, err)

	_, err = readSubmissions(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestBuiltinExecutors(t *testing.T) {
	logger, err := newLogger("error", "text", &bytes.Buffer{})
	require.NoError(t, err)
	registry := builtinExecutors(logger)
	ctx := context.Background()

	assert.Equal(t, []string{"echo", "sleep"}, registry.Types())

	res := registry.Execute(ctx, &types.TaskEnvelope{ID: "t1", Type: "echo", Payload: map[string]any{"a": "b"}})
	assert.True(t, res.Succeeded())
	assert.Equal(t, "b", res.Output["a"])

	res = registry.Execute(ctx, &types.TaskEnvelope{ID: "t2", Type: "sleep", Payload: map[string]any{"duration": "10ms"}})
	assert.True(t, res.Succeeded())

	res = registry.Execute(ctx, &types.TaskEnvelope{ID: "t3", Type: "sleep", Payload: map[string]any{"duration": "soon"}})
	assert.False(t, res.Succeeded())
	assert.Equal(t, types.TaskID("t3"), res.TaskID)
}
