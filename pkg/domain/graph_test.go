// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCycle_NoCycle(t *testing.T) {
	g := Graph{
		"a": {"b"},
		"b": {"c"},
		"c": {},
	}
	assert.NoError(t, DetectCycle(g))
}

func TestDetectCycle_DirectCycle(t *testing.T) {
	g := Graph{
		"a": {"b"},
		"b": {"a"},
	}
	err := DetectCycle(g)
	require.Error(t, err)
	var cycleErr *CycleError
	assert.ErrorAs(t, err, &cycleErr)
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestDetectCycle_SelfLoop(t *testing.T) {
	g := Graph{"a": {"a"}}
	assert.Error(t, DetectCycle(g))
}
