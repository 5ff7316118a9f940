// Package server implements the GoCall signaling server.
package server

import (
	"context"
	"net"
	"time"

	"github.com/NicolasHaas/gocall/pkg/store"
)

// Config holds server configuration.
type Config struct {
	ControlAddr   string        // TCP bind address (e.g. ":9600")
	MetricsAddr   string        // HTTP bind address for /metrics endpoint (empty = disabled)
	DBPath        string        // SQLite call log path (empty = in-memory log)
	HandoffWindow time.Duration // how long accepted calls may wait for both endpoint offers

	// CLI-only actions (run and exit)
	ExportCalls bool // export the call log as YAML and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of CallLog and will Close() it on shutdown.
type Dependencies struct {
	CallLog store.CallLog
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:   ":9600",
		MetricsAddr:   ":9602",
		HandoffWindow: DefaultHandoffWindow,
	}
}

// Server is the main GoCall signaling server.
type Server struct {
	cfg         Config
	board       *Switchboard
	handler     *ControlHandler
	metrics     *Metrics
	callLog     store.CallLog
	controlConn net.Listener
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	return &Server{
		cfg:     cfg,
		board:   NewSwitchboard(metrics, cfg.HandoffWindow),
		metrics: metrics,
		callLog: deps.CallLog,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Board returns the switchboard.
func (s *Server) Board() *Switchboard {
	return s.board
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
