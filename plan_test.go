// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSoftmaxStrategySelection(t *testing.T) {
	dev := DefaultDeviceParams()
	aligned := []int{0, 0}

	// Contiguous short row: register strategy, float32 forward budget is
	// MaxGroupSize * 2*(16/4) = 8192 elements.
	plan := planSoftmax(dev, 4, axisDims{outer: 16, dim: 128, inner: 1}, aligned, true)
	assert.Equal(t, StrategyRegister, plan.strategy)

	plan = planSoftmax(dev, 4, axisDims{outer: 16, dim: 8192, inner: 1}, aligned, true)
	assert.Equal(t, StrategyRegister, plan.strategy)

	// One element over the budget: streaming.
	plan = planSoftmax(dev, 4, axisDims{outer: 16, dim: 8193, inner: 1}, aligned, true)
	assert.Equal(t, StrategyStreaming, plan.strategy)

	// Backward halves the budget.
	plan = planSoftmax(dev, 4, axisDims{outer: 16, dim: 8192, inner: 1}, aligned, false)
	assert.Equal(t, StrategyStreaming, plan.strategy)
	plan = planSoftmax(dev, 4, axisDims{outer: 16, dim: 4096, inner: 1}, aligned, false)
	assert.Equal(t, StrategyRegister, plan.strategy)

	// Strided reduction: spatial, regardless of row length.
	plan = planSoftmax(dev, 4, axisDims{outer: 2, dim: 8, inner: 3}, aligned, true)
	assert.Equal(t, StrategySpatial, plan.strategy)

	// Wider elements shrink the budget: float64 forward fits 1024*2*(16/8).
	plan = planSoftmax(dev, 8, axisDims{outer: 1, dim: 4096, inner: 1}, aligned, true)
	assert.Equal(t, StrategyRegister, plan.strategy)
	plan = planSoftmax(dev, 8, axisDims{outer: 1, dim: 4097, inner: 1}, aligned, true)
	assert.Equal(t, StrategyStreaming, plan.strategy)
}

func TestPlanRegisterVectorization(t *testing.T) {
	dev := DefaultDeviceParams()

	// Aligned and divisible by maxVec: vectorized loads.
	plan := planSoftmax(dev, 4, axisDims{outer: 4, dim: 1024, inner: 1}, []int{0, 0}, true)
	require.Equal(t, StrategyRegister, plan.strategy)
	assert.Equal(t, 4, plan.vecWidth)
	assert.Equal(t, subgroupWidthWide, plan.subgroupWidth)

	// Misaligned operand: scalar loads.
	plan = planSoftmax(dev, 4, axisDims{outer: 4, dim: 1024, inner: 1}, []int{1, 0}, true)
	require.Equal(t, StrategyRegister, plan.strategy)
	assert.Equal(t, 1, plan.vecWidth)

	// Row not divisible by maxVec: scalar loads too.
	plan = planSoftmax(dev, 4, axisDims{outer: 4, dim: 1023, inner: 1}, []int{0, 0}, true)
	require.Equal(t, StrategyRegister, plan.strategy)
	assert.Equal(t, 1, plan.vecWidth)

	// Short rows use the narrow subgroup width.
	plan = planSoftmax(dev, 4, axisDims{outer: 4, dim: 64, inner: 1}, []int{0, 0}, true)
	require.Equal(t, StrategyRegister, plan.strategy)
	assert.Equal(t, subgroupWidthNarrow, plan.subgroupWidth)
}

func TestPlanRegisterGroupGeometry(t *testing.T) {
	dev := DefaultDeviceParams()

	// Each plan must keep the whole row addressable:
	// groupSize*vecWidth*outerLoop >= dim, and the group size must be a
	// multiple of the subgroup width within the device limit.
	for _, dim := range []int{1, 2, 7, 16, 63, 64, 100, 512, 1000, 4096, 8192} {
		plan := planSoftmax(dev, 4, axisDims{outer: 100, dim: dim, inner: 1}, []int{0, 0}, true)
		require.Equal(t, StrategyRegister, plan.strategy, "dim=%d", dim)
		assert.GreaterOrEqual(t, plan.groupSize*plan.vecWidth*plan.outerLoop, dim, "dim=%d", dim)
		assert.LessOrEqual(t, plan.groupSize, dev.MaxGroupSize, "dim=%d", dim)
		if plan.groupSize > 1 {
			assert.Zero(t, plan.groupSize%plan.subgroupWidth, "dim=%d", dim)
		}
		// All rows must be covered.
		assert.GreaterOrEqual(t, plan.groupRows*plan.rowsPerGroup, 100, "dim=%d", dim)
	}

	// A row a single lane can hold folds a subgroup of rows per group.
	plan := planSoftmax(dev, 4, axisDims{outer: 64, dim: 4, inner: 1}, []int{0, 0}, true)
	require.Equal(t, StrategyRegister, plan.strategy)
	assert.Equal(t, 1, plan.groupSize)
	assert.Equal(t, plan.subgroupWidth, plan.rowsPerGroup)
	assert.Equal(t, ceilDiv(64, plan.rowsPerGroup), plan.groupRows)
}

func TestPlanStreaming(t *testing.T) {
	dev := DefaultDeviceParams()

	plan := planSoftmax(dev, 4, axisDims{outer: 2, dim: 100000, inner: 1}, []int{0, 0}, true)
	require.Equal(t, StrategyStreaming, plan.strategy)
	assert.Equal(t, 4, plan.vecWidth) // all operands equally aligned
	assert.Equal(t, dev.MaxGroupSize, plan.groupSize)
	assert.Equal(t, 2, plan.groupRows)

	// Operands with different alignment cannot vectorize.
	plan = planSoftmax(dev, 4, axisDims{outer: 2, dim: 100000, inner: 1}, []int{0, 2}, true)
	require.Equal(t, StrategyStreaming, plan.strategy)
	assert.Equal(t, 1, plan.vecWidth)
}

func TestPlanSpatial(t *testing.T) {
	dev := DefaultDeviceParams()

	plan := planSoftmax(dev, 4, axisDims{outer: 2, dim: 16, inner: 64}, []int{0, 0}, true)
	require.Equal(t, StrategySpatial, plan.strategy)
	assert.Equal(t, 4, plan.vecWidth) // inner divisible by maxVec
	assert.LessOrEqual(t, plan.groupSize, subgroupWidthWide)
	assert.GreaterOrEqual(t, plan.groupNum*plan.groupSize*plan.vecWidth, 64)
	assert.LessOrEqual(t, plan.blockRow, 16)
	assert.Greater(t, plan.blockRow, 0)

	// inner not divisible by the vector width: scalar.
	plan = planSoftmax(dev, 4, axisDims{outer: 2, dim: 16, inner: 63}, []int{0, 0}, true)
	require.Equal(t, StrategySpatial, plan.strategy)
	assert.Equal(t, 1, plan.vecWidth)
	assert.GreaterOrEqual(t, plan.groupNum*plan.groupSize, 63)
}

func TestRegisterEligible(t *testing.T) {
	dev := DefaultDeviceParams()
	assert.True(t, registerEligible(dev, 4, axisDims{outer: 4, dim: 8192, inner: 1}, true))
	assert.False(t, registerEligible(dev, 4, axisDims{outer: 4, dim: 8193, inner: 1}, true))
	assert.False(t, registerEligible(dev, 4, axisDims{outer: 4, dim: 8192, inner: 1}, false))
	assert.True(t, registerEligible(dev, 4, axisDims{outer: 4, dim: 4096, inner: 1}, false))
	assert.False(t, registerEligible(dev, 4, axisDims{outer: 4, dim: 16, inner: 2}, true))
}

func TestDimsForAxis(t *testing.T) {
	assert.Equal(t, axisDims{outer: 6, dim: 4, inner: 5}, dimsForAxis([]int{2, 3, 4, 5}, 2))
	assert.Equal(t, axisDims{outer: 1, dim: 2, inner: 60}, dimsForAxis([]int{2, 3, 4, 5}, 0))
	assert.Equal(t, axisDims{outer: 24, dim: 5, inner: 1}, dimsForAxis([]int{2, 3, 4, 5}, 3))
	assert.Equal(t, axisDims{outer: 1, dim: 1, inner: 1}, dimsForAxis(nil, 0))
}

func TestStrategyEnum(t *testing.T) {
	assert.Equal(t, "Register", StrategyRegister.String())
	assert.Equal(t, "Streaming", StrategyStreaming.String())
	assert.Equal(t, "Spatial", StrategySpatial.String())
	s, err := StrategyString("spatial")
	require.NoError(t, err)
	assert.Equal(t, StrategySpatial, s)
	assert.Len(t, StrategyValues(), 3)
}
