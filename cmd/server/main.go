package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/gocall/pkg/logging"
	"github.com/NicolasHaas/gocall/pkg/server"
	"github.com/NicolasHaas/gocall/pkg/store"
	"github.com/NicolasHaas/gocall/pkg/version"
)

func main() {
	defaults := server.DefaultConfig()
	cfg := defaults

	flag.StringVar(&cfg.ControlAddr, "listen", cfg.ControlAddr, "TCP control plane bind address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", "", "SQLite call log file path (empty = in-memory log)")
	flag.DurationVar(&cfg.HandoffWindow, "handoff-window", cfg.HandoffWindow, "How long accepted calls may wait for both endpoint offers")
	flag.BoolVar(&cfg.ExportCalls, "export-calls", false, "Export the call log as YAML and exit")
	configFile := flag.String("config", "", "Optional YAML config file (flags win)")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gocall-server", version.Full())
		return
	}

	if *configFile != "" {
		fc, err := server.LoadFileConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		fc.Apply(&cfg, defaults)
		if *logLevel == "info" && fc.LogLevel != "" {
			*logLevel = fc.LogLevel
		}
		if *logFormat == "text" && fc.LogFormat != "" {
			*logFormat = fc.LogFormat
		}
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	var callLog store.CallLog
	if cfg.DBPath != "" {
		st, err := store.New(cfg.DBPath)
		if err != nil {
			slog.Error("open call log", "err", err)
			os.Exit(1)
		}
		callLog = st
	} else {
		callLog = store.NewMemory()
	}

	srv := server.New(cfg, server.Dependencies{CallLog: callLog})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
