// ============================================================================
// Edge-Relay CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for both sides of the relay
//
// Command Structure:
//   relay                          # Root command
//   ├── serve                      # Run the cloud relay (HTTP, optional gRPC)
//   ├── edge                       # Run the edge agent
//   ├── trigger                    # Send one trigger as an edge
//   ├── enqueue                    # Queue a command for an edge
//   │   └── --grpc addr           # Use the Orchestrator gRPC service
//   ├── edges                      # Edge registry table
//   ├── results                    # Recent results table
//   ├── status                     # Config summary and relay health
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   ├── --log-level, --log-format  # Override log.level / log.format
//   └── --version
//
// Configuration:
//   Loaded once in PersistentPreRunE (config.Load: defaults < YAML < env)
//   and shared by every subcommand. The slog default logger is installed
//   from log.level and log.format before any component starts.
//
// Signal Handling:
//   serve and edge run until SIGINT or SIGTERM, then stop gracefully:
//   serve: HTTP shutdown, gRPC GracefulStop, controller Stop (snapshot)
//   edge:  cron stop, executor stop, task store close
//
// Operator commands talk to the relay at edge.cloud_url (or --cloud) with
// the shared token.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/edge-relay/internal/config"
	"github.com/ChuLiYu/edge-relay/internal/controller"
	"github.com/ChuLiYu/edge-relay/internal/edge"
	"github.com/ChuLiYu/edge-relay/internal/metrics"
	"github.com/ChuLiYu/edge-relay/internal/rpc"
	"github.com/ChuLiYu/edge-relay/internal/server"
	"github.com/ChuLiYu/edge-relay/internal/trigger"
)

// Version is reported by --version.
const Version = "1.0.0"

// app carries state shared by the subcommands of one invocation.
type app struct {
	configFile string
	logLevel   string
	logFormat  string
	cloudURL   string
	cfg        *config.Config
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Edge-Relay: a command and trigger relay between edges and the cloud",
		Long: `Edge-Relay connects edge devices to the cloud over edge-initiated HTTP:
- edges push triggers, deduplicated and rate limited by the relay
- operators queue commands that edges pull, run and answer
- results are correlated to their commands by request_id`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", config.DefaultPath, "config file path")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&a.cloudURL, "cloud", "", "relay base URL for operator commands (default edge.cloud_url)")

	rootCmd.AddCommand(
		a.buildServeCommand(),
		a.buildEdgeCommand(),
		a.buildTriggerCommand(),
		a.buildEnqueueCommand(),
		a.buildEdgesCommand(),
		a.buildResultsCommand(),
		a.buildStatusCommand(),
	)
	return rootCmd
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.cloudURL != "" {
		cfg.Edge.CloudURL = a.cloudURL
	}
	handler, err := newLogHandler(cfg.Log, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	a.cfg = cfg
	return nil
}

// newLogHandler builds the slog handler for cfg.
func newLogHandler(cfg config.Log, w io.Writer) (slog.Handler, error) {
	var level slog.Level
	if lv := strings.TrimSpace(cfg.Level); lv != "" {
		if err := level.UnmarshalText([]byte(lv)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func (a *app) buildServeCommand() *cobra.Command {
	var listen, grpcListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cloud relay",
		Long:  "Start the HTTP relay, the optional Orchestrator gRPC service and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Cloud.Listen = listen
			}
			if grpcListen != "" {
				a.cfg.Cloud.GRPCListen = grpcListen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, a.cfg, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default cloud.listen)")
	cmd.Flags().StringVar(&grpcListen, "grpc-listen", "", "gRPC listen address (default cloud.grpc_listen, empty disables)")
	return cmd
}

// runServe runs the relay until ctx is done. ready, when non-nil, receives
// the bound HTTP address once the listener is open.
func runServe(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	opts := []controller.Option{controller.WithMetrics(m)}
	if len(cfg.Cloud.ForwardTargets) > 0 {
		fwd := trigger.NewWebhookForwarder(cfg.Cloud.ForwardTargets, cfg.Cloud.ForwardToken, cfg.Cloud.ForwardTimeout)
		opts = append(opts, controller.WithConsumer(fwd))
		slog.Info("Forwarding accepted triggers", "targets", fwd.Targets())
	}
	ctrl := controller.NewController(cfg.ControllerConfig(), opts...)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	srvOpts := []server.Option{server.WithToken(cfg.Cloud.Token)}
	if cfg.Metrics.Enabled {
		srvOpts = append(srvOpts, server.WithMetricsHandler(m.Handler()))
	}
	srv := server.New(ctrl, srvOpts...)

	lis, err := net.Listen("tcp", cfg.Cloud.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Cloud.Listen, err)
	}

	if cfg.Cloud.GRPCListen != "" {
		glis, err := net.Listen("tcp", cfg.Cloud.GRPCListen)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Cloud.GRPCListen, err)
		}
		grpcServer := grpc.NewServer(grpc.UnaryInterceptor(rpc.AuthInterceptor(cfg.Cloud.Token)))
		rpc.RegisterOrchestratorServer(grpcServer, rpc.NewService(ctrl))
		go func() {
			slog.Info("gRPC server listening", "addr", glis.Addr().String())
			if err := grpcServer.Serve(glis); err != nil {
				slog.Error("gRPC server failed", "error", err)
			}
		}()
		defer grpcServer.GracefulStop()
	}

	if cfg.Cloud.Token == "" {
		slog.Warn("No token configured, relay endpoints are unauthenticated")
	}
	slog.Info("Relay started", "listen", lis.Addr().String(), "metrics", cfg.Metrics.Enabled)
	if ready != nil {
		ready <- lis.Addr().String()
	}
	return srv.Serve(ctx, lis)
}

// ============================================================================
// edge
// ============================================================================

func (a *app) buildEdgeCommand() *cobra.Command {
	var edgeID, metricsListen string

	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Start the edge agent",
		Long:  "Send heartbeats and task triggers, pull commands and report their results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if edgeID != "" {
				a.cfg.Edge.EdgeID = edgeID
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runEdge(ctx, a.cfg, metricsListen)
		},
	}
	cmd.Flags().StringVar(&edgeID, "edge-id", "", "edge id (default edge.edge_id or the identity file)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve edge /metrics on this address")
	return cmd
}

func runEdge(ctx context.Context, cfg *config.Config, metricsListen string) error {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	agent, err := edge.NewAgent(cfg.AgentConfig(), edge.WithAgentMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create edge agent: %w", err)
	}
	if err := agent.Start(ctx); err != nil {
		agent.Stop()
		return fmt.Errorf("failed to start edge agent: %w", err)
	}
	defer agent.Stop()

	if cfg.Metrics.Enabled && metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())
		ms := &http.Server{Addr: metricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("Edge metrics listening", "addr", metricsListen)
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Edge metrics server failed", "error", err)
			}
		}()
		defer ms.Close()
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping edge agent", "edge_id", agent.EdgeID())
	return nil
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
