// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package cascade

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
}

func TestDetectCycle_SelfLoop(t *testing.T) {
	g := Graph{"a": {"a"}}
	assert.Error(t, DetectCycle(g))
}

func TestTopoOrder_DependenciesFirst(t *testing.T) {
	g := Graph{
		"a": {"b"},
		"b": {"c"},
		"c": {},
	}
	order := TopoOrder(g)
	require.Len(t, order, 3)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["c"], pos["b"])
	assert.Less(t, pos["b"], pos["a"])
}

func TestSatisfied(t *testing.T) {
	completed := map[string]bool{"a": true, "b": true}
	assert.True(t, Satisfied([]string{"a", "b"}, completed))
	assert.False(t, Satisfied([]string{"a", "c"}, completed))
	assert.True(t, Satisfied(nil, completed))
}
