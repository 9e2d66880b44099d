// Command fleetbalancer runs the load-balancing front end for LLM
// inference agents (spec §1). Configuration follows the teacher's
// getEnvOrDefault layering, generalized to spf13/cobra flags backed by
// spf13/viper env/flag binding (declared but unused in the teacher's copy,
// wired here for real).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/llmops/fleetbalancer/pkg/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("FLEETBALANCER")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "fleetbalancer",
		Short: "Load-balancing front end for LLM inference agents",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the balancer's management, inference, and (optional) OpenAI-compat HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}

	flags := serveCmd.Flags()
	defaults := server.DefaultConfig()
	flags.String("management-addr", defaults.ManagementAddr, "listen address for the management HTTP surface (spec §6)")
	flags.String("inference-addr", defaults.InferenceAddr, "listen address for the inference HTTP/WebSocket surface")
	flags.String("openai-compat-addr", "", "listen address for the OpenAI-compatible shim; empty disables it")
	flags.Int32("max-buffered-requests", defaults.MaxBufferedRequests, "maximum number of requests the Buffered Request Manager may queue")
	flags.Duration("buffered-request-timeout", defaults.BufferedRequestTimeout, "how long a buffered request may wait before it is failed with Timeout")
	flags.String("state-file", defaults.StateFilePath, "path to the persisted BalancerDesiredState file")
	flags.String("audit-db", "", "path to the SQLite audit trail database; empty disables audit logging")
	flags.String("redis-url", "", "Redis URL for the cross-request embedding cache; empty disables it")
	flags.String("statsd-addr", "", "StatsD address; accepted but unused: no StatsD export is performed")
	flags.String("statsd-prefix", "fleetbalancer", "StatsD metric name prefix; accepted but unused")
	flags.Duration("statsd-interval", 10*time.Second, "StatsD reporting interval; accepted but unused")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("fleetbalancer: binding flags: %v", err))
	}

	root.AddCommand(serveCmd)
	return root
}

func runServe(v *viper.Viper) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(v.GetString("log-level")),
	}))

	cfg := server.Config{
		ManagementAddr:         v.GetString("management-addr"),
		InferenceAddr:          v.GetString("inference-addr"),
		OpenAICompatAddr:       v.GetString("openai-compat-addr"),
		MaxBufferedRequests:    v.GetInt32("max-buffered-requests"),
		BufferedRequestTimeout: v.GetDuration("buffered-request-timeout"),
		StateFilePath:          v.GetString("state-file"),
		AuditDBPath:            v.GetString("audit-db"),
		RedisURL:               v.GetString("redis-url"),
		Logger:                 logger,
	}

	logger.Info("fleetbalancer: configuration loaded",
		"management_addr", cfg.ManagementAddr,
		"inference_addr", cfg.InferenceAddr,
		"openai_compat_addr", cfg.OpenAICompatAddr,
		"max_buffered_requests", cfg.MaxBufferedRequests,
		"buffered_request_timeout", cfg.BufferedRequestTimeout,
		"state_file", cfg.StateFilePath,
		"audit_enabled", cfg.AuditDBPath != "",
		"redis_enabled", cfg.RedisURL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := server.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("fleetbalancer: setup: %w", err)
	}

	logger.Info("fleetbalancer: starting",
		"endpoints", []string{
			"GET /api/v1/agents", "GET /api/v1/agents/stream",
			"GET,PUT /api/v1/balancer_desired_state",
			"GET /api/v1/buffered_requests", "GET /api/v1/buffered_requests/stream",
			"GET /metrics", "GET /healthz",
			"WS /api/v1/agent_socket", "WS /api/v1/inference_socket",
			"POST /api/v1/generate_embedding_batch",
		},
	)

	if err := components.Run(ctx); err != nil {
		logger.Error("fleetbalancer: server error", "error", err)
		return err
	}

	logger.Info("fleetbalancer: stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
