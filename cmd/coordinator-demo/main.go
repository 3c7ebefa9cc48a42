// coordinator-demo is a minimal embedder of the coordination engine: it
// opens a SQLite-backed store, bootstraps the schema, and runs
// health-check and work-loop cycles on a fixed interval until
// interrupted.
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
	"time"

	"github.com/swarmkit/coordination/coordinator"
	"github.com/swarmkit/coordination/ethos"
	sqlitestore "github.com/swarmkit/coordination/store/sqlite"
	"github.com/swarmkit/coordination/tracker"
)

func main() {
	var (
		dbPath       = flag.String("db", "coordinator.db", "SQLite database path")
		agentID      = flag.String("agent", "demo-agent", "Agent id to register and loop as")
		capabilities = flag.String("capabilities", "", "Comma-separated agent capabilities")
		interval     = flag.Duration("interval", 10*time.Second, "Work-loop poll interval")
		healthEvery  = flag.Int("health-every", 6, "Run a health check every N cycles")
		once         = flag.Bool("once", false, "Run a single cycle and exit")
		verbose      = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	adapter, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer adapter.Close()

	coord := coordinator.New(adapter, coordinator.Config{Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "initialize: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	caps := splitCapabilities(*capabilities)
	logger.Info("coordinator-demo starting", "agent", *agentID, "capabilities", caps, "db", *dbPath)

	cycle := 0
	for {
		if ctx.Err() != nil {
			break
		}
		cycle++
		runWorkCycle(ctx, coord, logger, *agentID, caps)

		if cycle%*healthEvery == 0 {
			runHealthCycle(ctx, coord, logger)
		}
		if *once {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(*interval):
		}
	}

	logger.Info("coordinator-demo stopped")
}

func runWorkCycle(ctx context.Context, coord *coordinator.Coordinator, logger *slog.Logger, agentID string, caps []string) {
	work, err := coord.GetNextWork(ctx, agentID, caps)
	if err != nil {
		logger.Error("get next work failed", "error", err)
		return
	}
	if work == nil {
		logger.Debug("no ready work")
		return
	}
	if !work.Claimed {
		logger.Debug("lost claim race", "issue", work.Issue.ID)
		return
	}

	logger.Info("claimed issue", "issue", work.Issue.ID, "description", work.Issue.Description)

	targets, err := coord.CompleteWork(ctx, work.Issue.ID, agentID, tracker.ResultSuccess, "completed by coordinator-demo")
	if err != nil {
		logger.Error("complete work failed", "issue", work.Issue.ID, "error", err)
		return
	}
	logger.Info("completed issue", "issue", work.Issue.ID, "unblocked_targets", targets)
}

func runHealthCycle(ctx context.Context, coord *coordinator.Coordinator, logger *slog.Logger) {
	result, err := coord.RunHealthCheck(ctx)
	if err != nil {
		logger.Error("health check failed", "error", err)
		return
	}
	logger.Info("health check complete",
		"coherence", result.Metrics.Coherence,
		"blockage", result.Metrics.Blockage,
		"claim_health", result.Metrics.ClaimHealth,
		"agent_health", result.Metrics.AgentHealth,
		"violations", len(result.Violations),
		"remediation_projects", result.Projects,
	)
	if report, err := ethos.RenderReport(result); err != nil {
		logger.Warn("render health report failed", "error", err)
	} else {
		logger.Debug("health report rendered", "html_len", len(report))
	}
}

func splitCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
