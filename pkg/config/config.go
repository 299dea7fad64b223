// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration loading and management for the
// loop orchestrator.
//
// The orchestrator is config-first: the loop-type hierarchy, concurrency
// cap, poll interval, shutdown timeout, and rate-limit parameters are all
// declared in YAML; nothing load-bearing is hard-coded.
//
// Example config:
//
//	version: "1"
//	name: my-orchestrator
//
//	store:
//	  root: ./data/store
//
//	workspace:
//	  root: ./data/workspaces
//	  repo_root: .
//	  merge_types: [phase, code]
//
//	supervisor:
//	  concurrency: 50
//	  poll_interval: 60s
//	  shutdown_timeout: 60s
//
//	mediator:
//	  rate_limit: 20
//	  rate_window: 1s
//	  query_timeout: 30s
//
//	loop_types:
//	  - name: plan
//	    child: spec
//	    user_gated: true
//	  - name: spec
//	    child: phase
//	  - name: phase
//	    child: ralph
//	  - name: ralph
//
//	ipc:
//	  enabled: true
//	  socket_path: /tmp/loopctl.sock
//
//	checkpoint:
//	  enabled: true
//	  strategy: interval
//	  interval: 5
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/loopctl/pkg/checkpoint"
)

// IntPtr returns a pointer to v, for populating optional *int config
// fields (such as MediatorConfig.RateLimit) where the zero value is a
// meaningful, distinct setting from "unset".
func IntPtr(v int) *int { return &v }

// Config is the root configuration structure.
type Config struct {
	// Version of the config schema.
	Version string `yaml:"version,omitempty"`

	// Name of this deployment (for logging/display).
	Name string `yaml:"name,omitempty"`

	// Store configures the State Store Actor's persistence.
	Store StoreConfig `yaml:"store,omitempty"`

	// Workspace configures the Workspace Driver.
	Workspace WorkspaceConfig `yaml:"workspace,omitempty"`

	// Supervisor configures the Execution Supervisor.
	Supervisor SupervisorConfig `yaml:"supervisor,omitempty"`

	// Mediator configures the Inter-Loop Mediator.
	Mediator MediatorConfig `yaml:"mediator,omitempty"`

	// Scheduler configures the admission-control scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`

	// LoopTypes declares the loop-type hierarchy (a forest of single-child
	// chains; see pkg/looptype).
	LoopTypes []LoopTypeConfig `yaml:"loop_types,omitempty"`

	// IPC configures the optional Unix-domain socket listener.
	IPC IPCConfig `yaml:"ipc,omitempty"`

	// Logger configures logging behavior.
	Logger LoggerConfig `yaml:"logger,omitempty"`

	// Metrics configures the Prometheus metrics registry.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`

	// Telemetry configures OpenTelemetry tracing.
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// Checkpoint configures resumable iteration snapshots, independent of
	// the Store's own durability: the store is the source of truth for
	// lifecycle state, the checkpoint only adds enough detail (iteration,
	// last commit, pending approval) to resume an interrupted loop at the
	// right point.
	Checkpoint checkpoint.Config `yaml:"checkpoint,omitempty"`
}

// StoreConfig configures the State Store Actor.
type StoreConfig struct {
	// Root is the directory holding the append-only record log and
	// per-collection index files.
	Root string `yaml:"root,omitempty"`

	// ChannelBuffer bounds the actor's inbound command channel.
	ChannelBuffer int `yaml:"channel_buffer,omitempty"`

	// EventBuffer bounds each broadcast event subscriber's channel before
	// it is considered lagged.
	EventBuffer int `yaml:"event_buffer,omitempty"`
}

// WorkspaceConfig configures the Workspace Driver.
type WorkspaceConfig struct {
	// Root is the directory under which per-execution workspaces (git
	// worktrees) are created.
	Root string `yaml:"root,omitempty"`

	// RepoRoot is the trunk repository that workspaces are checked out
	// from and merged back into.
	RepoRoot string `yaml:"repo_root,omitempty"`

	// MergeTypes lists loop-type names whose completion triggers a merge
	// back to trunk before the cascade runs. Document-producing types are
	// omitted and skip merge entirely.
	MergeTypes []string `yaml:"merge_types,omitempty"`

	// TagTrunkCommits, when true, tags the trunk merge commit with the
	// execution id via `git notes` for auditability.
	TagTrunkCommits bool `yaml:"tag_trunk_commits,omitempty"`
}

// SupervisorConfig configures the Execution Supervisor.
type SupervisorConfig struct {
	// Concurrency is the maximum number of concurrently running loops.
	Concurrency int `yaml:"concurrency,omitempty"`

	// PollInterval is the fallback reconciliation tick.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// ShutdownTimeout is the graceful-shutdown grace period.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// EventBuffer bounds the supervisor's inbound store-event channel.
	EventBuffer int `yaml:"event_buffer,omitempty"`
}

// MediatorConfig configures the Inter-Loop Mediator.
type MediatorConfig struct {
	// RateLimit is the maximum number of Alert/Query/Share messages a
	// single loop may send per RateWindow. A nil RateLimit is unset and
	// defaults to 20; an explicit 0 is a real config value meaning
	// "reject every call" and is never defaulted away.
	RateLimit *int `yaml:"rate_limit,omitempty"`

	// RateWindow is the sliding window size for the rate limiter.
	RateWindow time.Duration `yaml:"rate_window,omitempty"`

	// QueryTimeoutDefault is used when a Query caller supplies no
	// deadline.
	QueryTimeoutDefault time.Duration `yaml:"query_timeout,omitempty"`

	// ChannelBuffer bounds the actor's inbound command channel.
	ChannelBuffer int `yaml:"channel_buffer,omitempty"`

	// LoopChannelBuffer bounds each registered loop's outbound message
	// channel.
	LoopChannelBuffer int `yaml:"loop_channel_buffer,omitempty"`

	// EventLogPath is the append-only persisted-event log used for crash
	// recovery tooling (never read back by the live Mediator).
	EventLogPath string `yaml:"event_log_path,omitempty"`
}

// SchedulerConfig configures the local priority scheduler.
type SchedulerConfig struct {
	// Slots is the number of admission slots the scheduler hands out.
	// Defaults to SupervisorConfig.Concurrency when zero.
	Slots int `yaml:"slots,omitempty"`
}

// LoopTypeConfig declares one Loop-Type Definition.
type LoopTypeConfig struct {
	// Name is the loop-type's unique name (e.g. "plan", "spec", "phase").
	Name string `yaml:"name"`

	// Template is the human-readable description template for this type.
	Template string `yaml:"template,omitempty"`

	// Child is the optional child-type name. The hierarchy is a forest of
	// single-child chains: at most one child per parent.
	Child string `yaml:"child,omitempty"`

	// DefaultPriority is the priority assigned to new executions of this
	// type absent an explicit override.
	DefaultPriority int `yaml:"default_priority,omitempty"`

	// DefaultIterationCap bounds how many iterations a loop of this type
	// may run before it is forced to stop.
	DefaultIterationCap int `yaml:"default_iteration_cap,omitempty"`

	// UserGated, when true, means new executions of this type start in
	// Draft and require explicit activation rather than Pending.
	UserGated bool `yaml:"user_gated,omitempty"`

	// HasPhases indicates artifacts of this type carry a non-empty phases
	// sequence.
	HasPhases bool `yaml:"has_phases,omitempty"`
}

// IPCConfig configures the optional cross-process wake-up listener.
type IPCConfig struct {
	// Enabled turns the Unix-domain socket listener on.
	Enabled bool `yaml:"enabled,omitempty"`

	// SocketPath is the filesystem path of the Unix-domain socket.
	SocketPath string `yaml:"socket_path,omitempty"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "simple", "verbose", or any other value (such as "text")
	// for the standard slog text format. There is no JSON format.
	Format string `yaml:"format,omitempty"`
}

// MetricsConfig configures the Prometheus metrics registry.
type MetricsConfig struct {
	// Enabled turns on metrics collection. When false, pkg/metrics.New
	// returns nil and every recording method becomes a no-op.
	Enabled bool `yaml:"enabled,omitempty"`

	// Namespace prefixes every metric name (e.g. "loopctl").
	Namespace string `yaml:"namespace,omitempty"`

	// ListenAddr is the address the /metrics HTTP handler is served from
	// when pkg/server wires it in.
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	// Enabled turns on span export. When false, pkg/telemetry.Init
	// installs a no-op tracer provider and every span is a zero-cost
	// stub.
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter selects the span exporter. Only "stdout" is currently
	// wired; anything else is rejected by Validate.
	Exporter string `yaml:"exporter,omitempty"`

	// ServiceName identifies this process in exported spans.
	ServiceName string `yaml:"service_name,omitempty"`

	// SamplingRate is the fraction of traces sampled, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

// SetDefaults applies default values to the config, mirroring the
// defaults documented for the Supervisor (§4.G) and Mediator (§4.B).
func (c *Config) SetDefaults() {
	if c.Store.ChannelBuffer == 0 {
		c.Store.ChannelBuffer = 64
	}
	if c.Store.EventBuffer == 0 {
		c.Store.EventBuffer = 32
	}
	if c.Store.Root == "" {
		c.Store.Root = "./data/store"
	}

	if c.Workspace.Root == "" {
		c.Workspace.Root = "./data/workspaces"
	}
	if c.Workspace.RepoRoot == "" {
		c.Workspace.RepoRoot = "."
	}
	if len(c.Workspace.MergeTypes) == 0 {
		c.Workspace.MergeTypes = []string{"phase", "code"}
	}

	if c.Supervisor.Concurrency == 0 {
		c.Supervisor.Concurrency = 50
	}
	if c.Supervisor.PollInterval == 0 {
		c.Supervisor.PollInterval = 60 * time.Second
	}
	if c.Supervisor.ShutdownTimeout == 0 {
		c.Supervisor.ShutdownTimeout = 60 * time.Second
	}
	if c.Supervisor.EventBuffer == 0 {
		c.Supervisor.EventBuffer = 64
	}

	if c.Mediator.RateLimit == nil {
		defaultRateLimit := 20
		c.Mediator.RateLimit = &defaultRateLimit
	}
	if c.Mediator.RateWindow == 0 {
		c.Mediator.RateWindow = time.Second
	}
	if c.Mediator.QueryTimeoutDefault == 0 {
		c.Mediator.QueryTimeoutDefault = 30 * time.Second
	}
	if c.Mediator.ChannelBuffer == 0 {
		c.Mediator.ChannelBuffer = 256
	}
	if c.Mediator.LoopChannelBuffer == 0 {
		c.Mediator.LoopChannelBuffer = 32
	}
	if c.Mediator.EventLogPath == "" {
		c.Mediator.EventLogPath = "./data/store/mediator-events.log"
	}

	if c.Scheduler.Slots == 0 {
		c.Scheduler.Slots = c.Supervisor.Concurrency
	}

	for i := range c.LoopTypes {
		if c.LoopTypes[i].DefaultPriority == 0 {
			c.LoopTypes[i].DefaultPriority = 100
		}
		if c.LoopTypes[i].DefaultIterationCap == 0 {
			c.LoopTypes[i].DefaultIterationCap = 50
		}
	}
	if len(c.LoopTypes) == 0 {
		c.LoopTypes = []LoopTypeConfig{
			{Name: "plan", Child: "spec", UserGated: true, DefaultPriority: 100, DefaultIterationCap: 10},
			{Name: "spec", Child: "phase", HasPhases: true, DefaultPriority: 100, DefaultIterationCap: 20},
			{Name: "phase", Child: "ralph", DefaultPriority: 100, DefaultIterationCap: 30},
			{Name: "ralph", DefaultPriority: 100, DefaultIterationCap: 50},
		}
	}

	if c.IPC.SocketPath == "" {
		c.IPC.SocketPath = "/tmp/loopctl.sock"
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "loopctl"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "stdout"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "loopctl"
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1.0
	}

	c.Checkpoint.SetDefaults()
}

// Validate checks config invariants: the loop-type hierarchy must be a
// forest of single-child chains (at most one child per parent, and every
// declared child must itself be declared).
func (c *Config) Validate() error {
	if c.Supervisor.Concurrency <= 0 {
		return fmt.Errorf("supervisor.concurrency must be positive")
	}
	if c.Mediator.RateLimit != nil && *c.Mediator.RateLimit < 0 {
		return fmt.Errorf("mediator.rate_limit must not be negative")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Exporter != "stdout" {
			return fmt.Errorf("telemetry.exporter %q not supported (only stdout)", c.Telemetry.Exporter)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
		}
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	names := make(map[string]bool, len(c.LoopTypes))
	for _, lt := range c.LoopTypes {
		if lt.Name == "" {
			return fmt.Errorf("loop_types: name is required")
		}
		if names[lt.Name] {
			return fmt.Errorf("loop_types: duplicate name %q", lt.Name)
		}
		names[lt.Name] = true
	}
	for _, lt := range c.LoopTypes {
		if lt.Child != "" && !names[lt.Child] {
			return fmt.Errorf("loop_types: %q declares undefined child %q", lt.Name, lt.Child)
		}
	}

	// Each type may be claimed as a child by at most one parent
	// (single-child chains form a forest, not a DAG with fan-in).
	childOf := make(map[string]string, len(c.LoopTypes))
	for _, lt := range c.LoopTypes {
		if lt.Child == "" {
			continue
		}
		if owner, ok := childOf[lt.Child]; ok {
			return fmt.Errorf("loop_types: %q claimed as child by both %q and %q", lt.Child, owner, lt.Name)
		}
		childOf[lt.Child] = lt.Name
	}

	return nil
}
