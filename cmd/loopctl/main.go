// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Command loopctl runs the loop orchestrator described by a YAML config
// file: it spawns Loop Engine tasks under a concurrency cap, reconciles
// them against durable state, and cascades completed work into child
// executions.
//
// Usage:
//
//	loopctl run --config loopctl.yaml
//	loopctl status --config loopctl.yaml --status running
//	loopctl recover --config loopctl.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/logger"
)

// CLI defines the loopctl command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Start the supervisor event loop."`
	Status  StatusCmd  `cmd:"" help:"Print the current set of executions."`
	Recover RecoverCmd `cmd:"" help:"Dry-run the startup recovery scan."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"loopctl.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (simple, verbose, or text for the standard slog text format)."`
}

// VersionCmd prints the build version embedded by the Go toolchain.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("loopctl version %s\n", version)
	return nil
}

// initLogging wires pkg/logger from CLI flags, falling back to the
// loaded config's logger section when a flag was left at its default.
func initLogging(cli *CLI, cfg *config.Config) {
	level := cli.LogLevel
	if level == "" {
		level = cfg.Logger.Level
	}
	format := cli.LogFormat
	if format == "" {
		format = cfg.Logger.Format
	}

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	logger.Init(lvl, os.Stderr, format)
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("loopctl"),
		kong.Description("loopctl runs a config-first multi-agent loop orchestrator."),
		kong.UsageOnError(),
	)

	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}
