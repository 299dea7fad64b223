// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/logger"
	"github.com/kadirpekel/loopctl/pkg/store"
	"github.com/kadirpekel/loopctl/pkg/workspace"
)

// RunCmd starts the supervisor's event loop and blocks until it shuts
// down, either gracefully (SIGINT/SIGTERM) or on a fatal wiring error.
type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	initLogging(cli, cfg)
	log := logger.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	d, err := buildDeployment(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build deployment: %w", err)
	}
	defer d.close(cfg.Supervisor.ShutdownTimeout)

	if err := d.sup.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	log.Info("loopctl starting",
		"name", cfg.Name,
		"concurrency", cfg.Supervisor.Concurrency,
		"loop_types", len(cfg.LoopTypes),
		"ipc_enabled", cfg.IPC.Enabled,
	)

	return d.sup.Run(ctx)
}

// StatusCmd prints every execution currently recorded in the store,
// without starting the supervisor's event loop.
type StatusCmd struct {
	LoopType string `help:"Filter by loop type."`
	Status   string `help:"Filter by status (pending, running, complete, failed, ...)."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	initLogging(cli, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	go st.Run(ctx)
	defer func() { _ = st.Shutdown(context.Background()) }()

	recs, err := st.List(ctx, store.ListFilters{LoopType: c.LoopType, Status: c.Status})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	printExecutionTable(recs)
	return nil
}

// RecoverCmd dry-runs the startup recovery scan and reports what would
// change, without applying any transition.
type RecoverCmd struct{}

func (c *RecoverCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	initLogging(cli, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	go st.Run(ctx)
	defer func() { _ = st.Shutdown(context.Background()) }()

	var recs []*domain.ExecutionRecord
	for _, status := range []domain.Status{domain.StatusRunning, domain.StatusRebasing, domain.StatusPaused} {
		part, err := st.List(ctx, store.ListFilters{Status: string(status)})
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		recs = append(recs, part...)
	}

	if len(recs) == 0 {
		fmt.Println("nothing to recover: no running, rebasing or paused executions on disk")
		return nil
	}

	ws := workspace.New(cfg.Workspace)
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOOP TYPE\tWOULD BECOME")
	for _, rec := range recs {
		outcome := string(domain.StatusPending)
		reason := "workspace present, safe to resume"
		if !ws.Exists(rec.ID) {
			outcome = string(domain.StatusFailed)
			reason = "workspace missing"
		}
		fmt.Fprintf(w, "%s\t%s\t%s (%s)\n", rec.ID, rec.LoopType, outcome, reason)
	}
	return w.Flush()
}

func printExecutionTable(recs []*domain.ExecutionRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOOP TYPE\tSTATUS\tPRIORITY\tTITLE")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.LoopType, rec.Status, rec.Priority, rec.Title)
	}
	_ = w.Flush()
}

func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, loader, err := config.LoadConfigFile(context.Background(), path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	_ = loader.Close()
	return cfg, nil
}
