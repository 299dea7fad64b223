// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArtifactRecord_NoPhases(t *testing.T) {
	a := NewArtifactRecord("decision", "Pick a database", nil)
	assert.Empty(t, a.Phases)
	assert.Equal(t, ArtifactStatusDraft, a.Status)
}

func TestNewArtifactRecord_WithPhases(t *testing.T) {
	a := NewArtifactRecord("design-doc", "Auth redesign", []string{"draft", "review", "final"})
	require.Len(t, a.Phases, 3)
	for _, p := range a.Phases {
		assert.Equal(t, ArtifactPhasePending, p.Status)
	}
}

func TestArtifactRecord_AdvancePhase(t *testing.T) {
	a := NewArtifactRecord("design-doc", "Auth redesign", []string{"draft", "review", "final"})

	ok := a.AdvancePhase()
	assert.True(t, ok)
	assert.Equal(t, ArtifactPhaseActive, a.Phases[0].Status)

	ok = a.AdvancePhase()
	assert.True(t, ok)
	assert.Equal(t, ArtifactPhaseDone, a.Phases[0].Status)
	assert.Equal(t, ArtifactPhaseActive, a.Phases[1].Status)

	ok = a.AdvancePhase()
	assert.True(t, ok)
	assert.Equal(t, ArtifactPhaseDone, a.Phases[1].Status)
	assert.Equal(t, ArtifactPhaseActive, a.Phases[2].Status)

	ok = a.AdvancePhase()
	assert.False(t, ok)
	assert.Equal(t, ArtifactPhaseDone, a.Phases[2].Status)
}

func TestArtifactRecord_AdvancePhase_NoPhases(t *testing.T) {
	a := NewArtifactRecord("decision", "Pick a database", nil)
	assert.False(t, a.AdvancePhase())
}

func TestArtifactRecord_Clone(t *testing.T) {
	a := NewArtifactRecord("design-doc", "Auth redesign", []string{"draft"})
	a.Context["owner"] = "alice"

	clone := a.Clone()
	clone.Phases[0].Name = "mutated"
	clone.Context["owner"] = "mutated"

	assert.Equal(t, "draft", a.Phases[0].Name)
	assert.Equal(t, "alice", a.Context["owner"])
}
