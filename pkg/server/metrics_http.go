package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9602 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("gocall_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("gocall_connections_active", "Current active control connections.", "gauge",
		m.ActiveConnections.Load())
	write("gocall_connections_total", "Lifetime TCP control connections accepted.", "counter",
		m.TotalConnections.Load())
	write("gocall_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("gocall_registrations_total", "Successful username registrations.", "counter",
		m.Registrations.Load())
	write("gocall_sessions_replaced_total", "Registrations that displaced an older session.", "counter",
		m.SessionsReplaced.Load())

	write("gocall_calls_placed_total", "Call attempts admitted.", "counter",
		m.CallsPlaced.Load())
	write("gocall_calls_queued_total", "Call attempts parked in a wait queue.", "counter",
		m.CallsQueued.Load())
	write("gocall_queue_served_total", "Queued attempts promoted to ringing.", "counter",
		m.QueueServed.Load())
	write("gocall_calls_accepted_total", "Calls accepted by the callee.", "counter",
		m.CallsAccepted.Load())
	write("gocall_calls_connected_total", "Calls that completed endpoint handoff.", "counter",
		m.CallsConnected.Load())
	write("gocall_calls_rejected_total", "Calls rejected by the callee.", "counter",
		m.CallsRejected.Load())
	write("gocall_calls_cancelled_total", "Calls cancelled by the caller.", "counter",
		m.CallsCancelled.Load())
	write("gocall_calls_ended_total", "Active calls hung up normally.", "counter",
		m.CallsEnded.Load())
	write("gocall_calls_dropped_total", "Call attempts lost to a party disconnecting.", "counter",
		m.CallsDropped.Load())
	write("gocall_handoff_failures_total", "Endpoint handoffs that timed out.", "counter",
		m.HandoffFailures.Load())

	write("gocall_notifications_dropped_total", "Pushes lost to a full outbound queue.", "counter",
		m.NotificationsDropped.Load())
	write("gocall_command_errors_total", "Commands rejected with an error response.", "counter",
		m.CommandErrors.Load())
}
