// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cluvio/agent/auth"
	"github.com/cluvio/agent/config"
	"github.com/cluvio/agent/supervisor"
)

// Exit codes per spec.md §6.
const (
	exitOK                = 0
	exitConfigError       = 1
	exitUnrecoverableInit = 2
	exitInterrupted       = 130
)

// maxStreams is the concurrent-forwarded-stream cap enforced by
// agent/control. Not yet exposed as a config key; spec.md §6 doesn't
// name one, so it is fixed here rather than invented as a file key
// nothing else documents.
const maxStreams = 256

func run(args []string) int {
	fs := flag.NewFlagSet("cluvio-agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to cluvio-agent.toml (default: search the standard locations)")
	logSpec := fs.String("log", "", "log level (debug, info, warn, error); defaults to CLUVIO_AGENT_LOG or info")
	jsonLogs := fs.Bool("json", false, "emit logs as JSON instead of text")
	setup := fs.Bool("setup", false, "not implemented in this build")
	showAgentKey := fs.Bool("show-agent-key", false, "not implemented in this build")

	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	if *setup || *showAgentKey {
		fmt.Fprintln(os.Stderr, "error: --setup and --show-agent-key are not implemented in this build")
		return exitConfigError
	}

	logger := newLogger(*logSpec, *jsonLogs)

	path := *configPath
	if path == "" {
		found, err := config.Find()
		if err != nil {
			logger.Error("no config file found", "error", err)
			return exitConfigError
		}
		path = found
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		return exitConfigError
	}
	defer cfg.Identity.Close()

	// signal.NotifyContext discards which signal fired, but spec.md §6
	// distinguishes SIGTERM (exit 0, a graceful stop request) from
	// SIGINT (exit 130, the conventional interrupted-by-Ctrl-C code),
	// so the signal is captured explicitly instead.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan os.Signal, 1)
	go func() {
		select {
		case sig := <-sigCh:
			received <- sig
			cancel()
		case <-ctx.Done():
		}
	}()

	sup := supervisor.New(supervisor.Config{
		Endpoint:   cfg.Endpoint,
		TrustPEM:   cfg.TrustPEM,
		Identity:   cfg.Identity,
		Whitelist:  cfg.Whitelist,
		MaxStreams: maxStreams,
		Logger:     logger,
	})

	logger.Info("cluvio-agent starting", "config", path, "server", cfg.Endpoint.Host, "version", auth.AgentVersion)

	if err := sup.Run(ctx); err != nil {
		logger.Error("agent exited with error", "error", err)
		return exitUnrecoverableInit
	}

	select {
	case sig := <-received:
		if sig == syscall.SIGINT {
			return exitInterrupted
		}
		return exitOK
	default:
		return exitOK
	}
}

// newLogger builds the agent's structured logger. Level is resolved
// from --log, then CLUVIO_AGENT_LOG, defaulting to info; format is
// text unless jsonLogs is set. Grounded on the teacher's
// lib/service.NewLogger, generalized from a fixed JSON-at-info logger
// to one whose level and format are operator-controlled, since this
// agent has no service.Bootstrap layer dictating a fixed shape.
func newLogger(logSpec string, jsonLogs bool) *slog.Logger {
	spec := logSpec
	if spec == "" {
		spec = os.Getenv("CLUVIO_AGENT_LOG")
	}

	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "", "info":
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
