// ============================================================================
// Delegate CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the agent, a development manager and task submission
//
// Command Structure:
//   delegate                       # Root command
//   ├── run                        # Start the agent
//   │   └── --handshake-marker     # Started as an upgrade replacement
//   ├── manager                    # Start an in-memory development manager
//   │   └── --port, --latest-version, --artifact-url (SIGHUP restarts agents)
//   ├── submit                     # Submit tasks from a JSON file
//   │   └── --manager, --file, -f
//   ├── version                    # Print the agent version
//   └── --config, -c               # Config file (default: configs/delegate.yaml)
//
// run Command:
//   1. Load config file, apply DELEGATE_* environment overrides
//   2. If started by an upgrade: print "<started>", wait for the go-ahead
//      marker, print "<proceeding-to-takeover>"
//   3. Start the metrics server (if enabled)
//   4. Register with the manager and run until stopped by SIGINT/SIGTERM,
//      an upgrade handoff or a fatal manager error
//
// submit Command:
//   JSON format:
//   [
//     {"type": "echo", "payload": {"key": "value"}}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/agent"
	"github.com/ChuLiYu/delegate-agent/internal/metrics"
	"github.com/ChuLiYu/delegate-agent/internal/server"
	"github.com/ChuLiYu/delegate-agent/internal/transport"
	"github.com/ChuLiYu/delegate-agent/internal/upgrade"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=1.2.3"
var Version = "dev"

const defaultConfigPath = "configs/delegate.yaml"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "delegate",
		Short: "Delegate: a task-executing agent for a remote manager",
		Long: `Delegate runs tasks assigned by a manager with:
- acquire-once task dispatch on a bounded worker pool
- automatic stream reconnection and re-registration
- in-place upgrades without dropping running tasks
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildManagerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var markerPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the delegate agent",
		Long:  "Register with the manager and execute assigned tasks until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			if markerPath == "" {
				markerPath = os.Getenv(upgrade.EnvHandshakeMarker)
			}
			required := cmd.Flags().Changed("config")
			return runAgent(cmd.Context(), required, markerPath)
		},
	}

	cmd.Flags().StringVar(&markerPath, "handshake-marker", "", "go-ahead marker to wait for when started as an upgrade replacement")
	return cmd
}

func runAgent(parent context.Context, configRequired bool, markerPath string) error {
	cfg, err := loadConfig(configFile, configRequired, os.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if markerPath != "" {
		// The previous agent reads our output through a pipe that closes when it exits.
		signal.Ignore(syscall.SIGPIPE)

		logger.Info("started as upgrade replacement, waiting for go-ahead", "marker", markerPath)
		handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Upgrade.ReadinessTimeout+cfg.Upgrade.TakeoverTimeout)
		err := upgrade.RunHandshake(handshakeCtx, os.Stdout, markerPath, time.Second)
		cancel()
		if err != nil {
			return fmt.Errorf("upgrade handshake: %w", err)
		}
		logger.Info("go-ahead received, taking over")
	}

	collector := metrics.NewCollector(nil)
	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, collector.Handler()); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	client, err := transport.Dial(cfg.Manager.Address, transport.Options{
		AccountID: cfg.Manager.AccountID,
		Tokens:    transport.StaticToken(cfg.Manager.AccountSecret),
		TLS: transport.TLSConfig{
			Enabled:            cfg.Manager.TLS.Enabled,
			CAFile:             cfg.Manager.TLS.CAFile,
			CertFile:           cfg.Manager.TLS.CertFile,
			KeyFile:            cfg.Manager.TLS.KeyFile,
			InsecureSkipVerify: cfg.Manager.TLS.InsecureSkipVerify,
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	identity := agent.ProbeIdentity(cfg.Manager.AccountID, Version, cfg.Agent.Name, cfg.Manager.Address, cfg.Agent.HeartbeatInterval)

	rt := agent.New(agent.Config{
		Identity:         identity,
		WorkerCount:      cfg.Agent.WorkerCount,
		QueueSize:        cfg.Agent.QueueSize,
		ReportTimeout:    cfg.Agent.ReportTimeout,
		ShutdownGrace:    cfg.Agent.ShutdownGrace,
		ReconnectInitial: cfg.Agent.ReconnectInitial,
		ReconnectMax:     cfg.Agent.ReconnectMax,
		UpgradeEnabled:   cfg.Upgrade.Enabled,
		Upgrade:          cfg.upgradeConfig(Version),
	}, client, builtinExecutors(logger), agent.WithLogger(logger), agent.WithMetrics(collector))

	logger.Info("starting delegate agent",
		"version", Version,
		"manager", cfg.Manager.Address,
		"host", identity.HostName,
		"address", identity.HostAddress)

	if err := rt.Run(ctx); err != nil {
		return err
	}
	logger.Info("delegate agent exited")
	return nil
}

func buildManagerCommand() *cobra.Command {
	var port int
	var latestVersion string
	var artifactURL string

	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Start an in-memory development manager",
		Long:  "Serve the manager API from memory, for local development and testing.\nSIGHUP asks every connected agent to restart.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManager(cmd.Context(), port, latestVersion, artifactURL)
		},
	}

	cmd.Flags().IntVar(&port, "port", 7070, "Port to listen on")
	cmd.Flags().StringVar(&latestVersion, "latest-version", "", "Version offered to older agents")
	cmd.Flags().StringVar(&artifactURL, "artifact-url", "", "Download URL of the offered version")

	return cmd
}

func runManager(parent context.Context, port int, latestVersion, artifactURL string) error {
	logger, err := newLogger("info", "text", os.Stderr)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	manager := server.NewServer(
		server.WithLogger(logger),
		server.WithLatestVersion(latestVersion, artifactURL))

	grpcServer := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             30 * time.Second,
		PermitWithoutStream: true,
	}))
	transport.RegisterManagerServer(grpcServer, manager)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				reached := manager.RestartAll()
				logger.Info("restart requested from connected agents", "agents", len(reached))
			}
		}
	})
	g.Go(func() error {
		logger.Info("manager listening", "port", port, "latest_version", latestVersion)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Agent streams never end on their own, GracefulStop would wait forever.
		grpcServer.Stop()
		logger.Info("manager stopped", "state", manager.String())
		return nil
	})
	return g.Wait()
}

type submission struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func buildSubmitCommand() *cobra.Command {
	var taskFile string
	var managerAddr string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit tasks from a JSON file",
		Long:  "Read task definitions from a JSON file and submit them to a manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			return submitTasks(cmd, taskFile, managerAddr)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.Flags().StringVar(&managerAddr, "manager", "localhost:7070", "Manager address")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readSubmissions(path string) ([]submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var tasks []submission
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	for i, t := range tasks {
		if t.Type == "" {
			return nil, fmt.Errorf("task %d has no type", i)
		}
	}
	return tasks, nil
}

func submitTasks(cmd *cobra.Command, path, managerAddr string) error {
	tasks, err := readSubmissions(path)
	if err != nil {
		return err
	}

	client, err := transport.Dial(managerAddr, transport.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	submitted := 0
	for i, t := range tasks {
		id, err := client.SubmitTask(ctx, t.Type, t.Payload)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to submit task %d (%s): %v\n", i, t.Type, err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", id, t.Type)
		submitted++
	}
	fmt.Fprintf(out, "submitted %d/%d tasks to %s\n", submitted, len(tasks), managerAddr)
	if submitted < len(tasks) {
		return fmt.Errorf("%d tasks were not submitted", len(tasks)-submitted)
	}
	return nil
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
