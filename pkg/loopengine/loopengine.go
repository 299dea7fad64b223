// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loopengine defines the contract between the Supervisor and the
// external collaborator that actually drives one loop against an LLM and
// a set of tools inside a workspace. The core never implements a loop
// engine itself; it only needs something satisfying Engine, and ships a
// deterministic Fake for tests.
package loopengine

import (
	"context"

	"github.com/kadirpekel/loopctl/pkg/looptype"
	"github.com/kadirpekel/loopctl/pkg/mediator"
)

// Message is the universal chat message shape passed to an LLM client,
// mirroring the role/content/tool-call fields every provider in the
// ecosystem converges on.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	Name       string
}

// StreamChunk is one piece of a streaming LLM response.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	Tokens   int
	Err      error
}

// LLMClient is the minimal surface a loop engine needs from an LLM
// provider. Concrete providers (Anthropic, OpenAI, Gemini, Ollama, ...)
// live outside this module; the Supervisor only ever holds this handle.
type LLMClient interface {
	Generate(ctx context.Context, messages []Message) (text string, tokens int, err error)
	GenerateStreaming(ctx context.Context, messages []Message) (<-chan StreamChunk, error)
	ModelName() string
}

// StateHandle is the slice of the State Store a loop engine is allowed to
// touch directly: appending to its own progress log and bumping its own
// iteration counter. Everything else (status transitions, artifact
// records) flows back through the Supervisor's on-completion procedure.
type StateHandle interface {
	AppendProgress(ctx context.Context, executionID, message string) error
	BumpIteration(ctx context.Context, executionID string) (int, error)
}

// Input bundles everything the Supervisor hands a loop engine at spawn
// time, matching the external-collaborator contract: execution id, loop
// config, LLM client, workspace path, Mediator handle, scheduler handle,
// repo root, state handle, and the accumulated execution context.
type Input struct {
	ExecutionID   string
	LoopType      looptype.Definition
	LLM           LLMClient
	WorkspacePath string
	Mediator      *mediator.Handle
	RepoRoot      string
	State         StateHandle
	Context       map[string]string
}

// OutcomeKind enumerates the ways a loop engine run can end.
type OutcomeKind string

const (
	OutcomeComplete    OutcomeKind = "complete"
	OutcomeInterrupted OutcomeKind = "interrupted"
	OutcomeError       OutcomeKind = "error"
)

// Outcome is the loop engine's final report to the Supervisor.
type Outcome struct {
	Kind       OutcomeKind
	Iterations int
	Reason     string // set when Kind == OutcomeInterrupted
	Message    string // set when Kind == OutcomeError
	OutputDir  string // set when Kind == OutcomeComplete
}

// Engine runs one loop to completion. Implementations must honor a Stop
// message arriving on their Mediator handle's inbound channel by
// returning OutcomeInterrupted promptly, and must keep Progress/Iterations
// safe to call concurrently with Run so the Supervisor can snapshot them
// on failure.
type Engine interface {
	Run(ctx context.Context, in Input) Outcome
	Iterations() int
	Progress() []string
}
