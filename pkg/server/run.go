package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/gocall/pkg/store"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.callLog == nil {
		return fmt.Errorf("server: missing call log dependency")
	}
	defer func() { _ = s.callLog.Close() }()

	// CLI-only action: dump the call log and exit.
	if s.cfg.ExportCalls {
		data, err := store.ExportCallsYAML(s.callLog)
		if err != nil {
			return fmt.Errorf("server: export calls: %w", err)
		}
		_, _ = os.Stdout.Write(data)
		return nil
	}

	if err := s.StartControl(); err != nil {
		return err
	}

	slog.Info("GoCall server running",
		"control", s.cfg.ControlAddr,
		"handoff_window", s.cfg.HandoffWindow,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.controlConn != nil {
		_ = s.controlConn.Close()
	}
}
