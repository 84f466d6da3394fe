package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencellcw/ulf-warden-sub010/internal/config"
	"github.com/opencellcw/ulf-warden-sub010/internal/orchestrator"
	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
	"github.com/opencellcw/ulf-warden-sub010/internal/server"
	"github.com/opencellcw/ulf-warden-sub010/internal/tool"
	"github.com/opencellcw/ulf-warden-sub010/internal/trigger"
)

var (
	servePort     int
	serveManifest string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Warden server with cron triggers and webhook endpoints",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides config)")
	serveCmd.Flags().StringVar(&serveManifest, "manifest", "", "path to the tool-policy manifest (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> subject from WARDEN_API_KEYS
// (comma-separated; each entry key or key:subject).
func parseAPIKeys(raw string) map[string]string {
	m := make(map[string]string)
	if raw == "" {
		return m
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subject := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			if s := strings.TrimSpace(part[idx+1:]); s != "" {
				subject = s
			}
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = subject
	}
	return m
}

// registerDemoTools adds the bundled echo harness. Warden ships no tool
// business logic; real tools are registered by the embedding application.
func registerDemoTools(r *tool.Registry) {
	r.Register(tool.Func{
		ToolName: "echo",
		Desc:     "Echoes its msg argument back (demo harness)",
		Schema:   json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	manifestPath := cfg.Manifest
	if serveManifest != "" {
		manifestPath = serveManifest
	}
	m, err := policy.LoadManifest(ctx, manifestPath, false, ".")
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	orc, err := orchestrator.New(cfg, m)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	defer orc.Close()

	registerDemoTools(orc.Registry())

	scheduler := trigger.NewScheduler(orc, ".")
	if err := scheduler.RegisterSchedules(m); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	webhookHandler := trigger.NewWebhookHandler(orc, m, ".")

	apiKeys := parseAPIKeys(cfg.APIKeys)
	if len(apiKeys) == 0 {
		log.Warn().Msg("WARDEN_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(orc, apiKeys,
		server.WithWebhooks(webhookHandler),
		server.WithScheduler(scheduler),
		server.WithCORSOrigins([]string{"*"}),
		server.WithThrottle(server.NewThrottle(cfg.HTTPGlobalRPM, cfg.HTTPPerKeyRPM)),
		server.WithVersion(resolvedVersion()),
	)

	port := cfg.ServerPort
	if servePort > 0 {
		port = servePort
	}
	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Routes(),
		ReadTimeout: 30 * time.Second,
		// Workflow runs can hold a response open for minutes; the plan
		// deadline does the real bounding.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("service", m.Service.Name).
		Int("tools", len(m.Tools)).
		Int("cron_entries", scheduler.Entries()).
		Bool("audit", orc.AuditLog() != nil).
		Msg("warden_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
