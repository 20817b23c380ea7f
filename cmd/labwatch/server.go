package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/labwatch/internal/config"
	"github.com/tinytelemetry/labwatch/internal/duckdb"
	"github.com/tinytelemetry/labwatch/internal/httpserver"
	"github.com/tinytelemetry/labwatch/internal/lab"
	"github.com/tinytelemetry/labwatch/internal/logging"
	"github.com/tinytelemetry/labwatch/internal/metrics"
)

const forceExitAfter = 10 * time.Second

// runServer starts every preloaded lab and the HTTP API, then blocks until
// SIGINT or SIGTERM.
func runServer(cfg config.Config) error {
	logger, cleanupLogger, err := logging.Init(logging.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer cleanupLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	store, err := duckdb.NewStore(cfg.Events.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	defer store.Close()

	retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.Events.RetentionDays,
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(forceExitAfter)
		defer deadline.Stop()
		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	registry := lab.NewRegistry(ctx, labOptions(cfg, store, logger))
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn().Err(err).Msg("lab shutdown incomplete")
		}
	}()

	for _, id := range cfg.PreloadLabs {
		if _, err := registry.GetOrCreate(id); err != nil {
			return fmt.Errorf("failed to start lab %s: %w", id, err)
		}
	}

	apiServer := httpserver.NewServer(cfg.APIAddr, version, registry, reg, logger)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer apiServer.Stop()

	printStartupBanner(cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("shutting down")
	return nil
}

func printStartupBanner(cfg config.Config, logger zerolog.Logger) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	row := func(mark, label, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	logo := cyan.Bold(true).Render(`
    ╦  ╔═╗╔╗ ╦ ╦╔═╗╔╦╗╔═╗╦ ╦
    ║  ╠═╣╠╩╗║║║╠═╣ ║ ║  ╠═╣
    ╩═╝╩ ╩╚═╝╚╩╝╩ ╩ ╩ ╚═╝╩ ╩`)
	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines, row(check, "HTTP API", cyan.Render(cfg.APIAddr)))
	lines = append(lines, row(check, "Metrics", cyan.Render(cfg.APIAddr+"/metrics")), "")

	lines = append(lines, bold.Render("    Labs"), "")
	lines = append(lines, row(check, "Allowed", dim.Render(strings.Join(cfg.AllowedLabs, ", "))))
	if len(cfg.PreloadLabs) > 0 {
		lines = append(lines, row(check, "Running", dim.Render(strings.Join(cfg.PreloadLabs, ", "))))
	} else {
		lines = append(lines, row(dot, "Running", dim.Render("on first request")))
	}
	if cfg.Monitor.AutoProcess {
		lines = append(lines, row(check, "Auto-process", dim.Render(cfg.Agent.Model)))
	} else {
		lines = append(lines, row(dot, "Auto-process", dim.Render("alerts only")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, row(check, "Data Dir", dim.Render(shortenPath(cfg.DataDir))))
	if cfg.Events.DBPath != "" {
		lines = append(lines, row(check, "Events", dim.Render(shortenPath(cfg.Events.DBPath))))
	} else {
		lines = append(lines, row(dot, "Events", dim.Render("in memory")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
	logger.Info().Str("addr", cfg.APIAddr).Strs("preload", cfg.PreloadLabs).Msg("labwatch started")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
