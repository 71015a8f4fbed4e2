// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import "math"

//go:generate go tool enumer -type=Strategy -trimprefix=Strategy -output=gen_strategy_enumer.go plan.go

// Strategy selects how a softmax-family kernel traverses the reduced axis.
type Strategy int

const (
	// StrategyRegister keeps the whole row in per-lane scratch and makes a
	// single pass over memory. Only possible when inner == 1 and the row fits
	// the lane budget of one scheduling group.
	StrategyRegister Strategy = iota

	// StrategyStreaming re-reads the row from memory on every pass. Used for
	// rows too long for StrategyRegister (still inner == 1).
	StrategyStreaming

	// StrategySpatial handles strided reductions (inner > 1): lanes walk the
	// inner axis and a block of rows folds the reduced axis in a tree.
	StrategySpatial
)

// transactionBytes is the width of one memory transaction. Vectorized
// variants require operands aligned to it.
const transactionBytes = 16

const (
	subgroupWidthNarrow = 16
	subgroupWidthWide   = 32
)

// DeviceParams isolate the tuning constants the execution plan depends on.
// The defaults describe the host this package was tuned for; tests use
// smaller values to force specific strategies.
type DeviceParams struct {
	// MaxGroupSize is the largest number of lanes in one scheduling group.
	MaxGroupSize int

	// MaxWorkItems is the total number of lanes resident across the device,
	// used to decide how much row-blocking the spatial strategy needs.
	MaxWorkItems int

	// MinGroupCount is the group count below which it is not worth folding
	// multiple rows into one group.
	MinGroupCount int
}

// DefaultDeviceParams returns the tuning constants used by New.
func DefaultDeviceParams() DeviceParams {
	return DeviceParams{
		MaxGroupSize:  1024,
		MaxWorkItems:  64 * 1024,
		MinGroupCount: 32 * 1024,
	}
}

// axisDims is the canonical decomposition of a shape around a reduced axis:
// the flat index of element (o, d, i) is (o*dim+d)*inner+i.
type axisDims struct {
	outer int // product of dimensions before the axis
	dim   int // the reduced axis itself
	inner int // product of dimensions after the axis
}

// dimsForAxis decomposes dimensions around axis. Scalars decompose as {1,1,1}.
func dimsForAxis(dimensions []int, axis int) axisDims {
	dims := axisDims{outer: 1, dim: 1, inner: 1}
	for i, d := range dimensions {
		switch {
		case i < axis:
			dims.outer *= d
		case i == axis:
			dims.dim = d
		default:
			dims.inner *= d
		}
	}
	return dims
}

// launchPlan describes how a softmax-family kernel is laid out over
// scheduling groups and lanes.
type launchPlan struct {
	strategy      Strategy
	vecWidth      int // elements loaded/stored per lane step
	subgroupWidth int
	outerLoop     int // register strategy: scratch chunks per lane
	groupSize     int // lanes cooperating on one row (or on inner, for spatial)
	subgroupNum   int
	rowsPerGroup  int // register strategy: rows folded into one group
	groupRows     int // register strategy: groups along the row axis
	blockRow      int // spatial: row workers folding the reduced axis
	groupNum      int // spatial: groups covering the inner axis
}

// planSoftmax picks the strategy and group layout for one softmax-family
// call. starts holds the transaction-alignment offset (in elements) of every
// operand's base address; forward doubles the per-lane scratch budget.
func planSoftmax(dev DeviceParams, elemSize int, dims axisDims, starts []int, forward bool) launchPlan {
	maxVec := transactionBytes / elemSize
	innerLoop := maxVec
	if forward {
		innerLoop *= 2
	}

	allZero, sameStart := true, true
	for _, s := range starts {
		if s != 0 {
			allZero = false
		}
		if s != starts[0] {
			sameStart = false
		}
	}

	if registerEligible(dev, elemSize, dims, forward) {
		return planRegister(dev, dims, maxVec, innerLoop, allZero)
	}
	if dims.inner == 1 {
		return planStreaming(dev, dims, maxVec, sameStart)
	}
	return planSpatial(dev, dims, maxVec, sameStart)
}

// registerEligible reports whether the register strategy preconditions hold:
// contiguous reduction (inner == 1), offsets indexable in 32 bits and the row
// fitting the lane budget of one scheduling group. Alignment is not part of
// it: misaligned inputs still run the register strategy, just unvectorized.
// The masked and fused operators use it to decide between their fused kernel
// and the materializing fallback.
func registerEligible(dev DeviceParams, elemSize int, dims axisDims, forward bool) bool {
	innerLoop := transactionBytes / elemSize
	if forward {
		innerLoop *= 2
	}
	numel := dims.outer * dims.dim * dims.inner
	return dims.inner == 1 && numel <= math.MaxInt32 && dev.MaxGroupSize*innerLoop >= dims.dim
}

func planRegister(dev DeviceParams, dims axisDims, maxVec, innerLoop int, allZero bool) launchPlan {
	simd := subgroupWidthWide
	if dims.dim < subgroupWidthNarrow*innerLoop {
		simd = subgroupWidthNarrow
	}
	aligned := allZero && dims.dim%maxVec == 0

	var vec, outer int
	if simd == subgroupWidthWide {
		if aligned {
			vec, outer = maxVec, innerLoop/maxVec
		} else {
			vec, outer = 1, innerLoop
		}
	} else {
		switch {
		case aligned && maxVec >= 4 && dims.dim <= 4*subgroupWidthNarrow:
			vec, outer = 4, 1
		case aligned && dims.dim <= maxVec*subgroupWidthNarrow:
			vec, outer = maxVec, 1
		case aligned:
			vec, outer = maxVec, innerLoop/maxVec*2
		default:
			vec, outer = 1, innerLoop*2
		}
	}

	plan := launchPlan{
		strategy:      StrategyRegister,
		vecWidth:      vec,
		subgroupWidth: simd,
		outerLoop:     outer,
	}
	plan.groupSize = min(ceilDiv(dims.dim, outer*vec), dev.MaxGroupSize)
	plan.subgroupNum = ceilDiv(plan.groupSize, simd)
	plan.groupSize = plan.subgroupNum * simd
	if dims.dim <= vec*outer {
		// One lane holds the whole row: fold a subgroup's worth of rows into
		// each group instead.
		plan.groupSize = 1
		plan.subgroupNum = 1
		plan.rowsPerGroup = simd
		plan.groupRows = ceilDiv(dims.outer, plan.rowsPerGroup)
	} else {
		plan.rowsPerGroup = 1
		plan.groupRows = dims.outer
		for plan.groupRows>>1 > dev.MinGroupCount &&
			(plan.rowsPerGroup<<1)*plan.groupSize <= dev.MaxGroupSize &&
			plan.groupRows%2 == 0 {
			plan.groupRows >>= 1
			plan.rowsPerGroup <<= 1
		}
	}
	return plan
}

func planStreaming(dev DeviceParams, dims axisDims, maxVec int, sameStart bool) launchPlan {
	vec := 1
	if sameStart {
		vec = maxVec
	}
	return launchPlan{
		strategy:      StrategyStreaming,
		vecWidth:      vec,
		subgroupWidth: subgroupWidthWide,
		groupSize:     min(ceilDiv(dims.dim, vec), dev.MaxGroupSize),
		rowsPerGroup:  1,
		groupRows:     dims.outer,
	}
}

func planSpatial(dev DeviceParams, dims axisDims, maxVec int, sameStart bool) launchPlan {
	vec := 1
	if sameStart && dims.inner%maxVec == 0 {
		vec = maxVec
	}
	groupSize := min(ceilDiv(dims.inner, vec), subgroupWidthWide)
	localGroupNum := ceilDiv(dims.inner, groupSize)
	blockRow := 1
	for dims.outer*blockRow*localGroupNum*groupSize < dev.MaxWorkItems*vec {
		blockRow <<= 1
		if blockRow*subgroupWidthWide == dev.MaxGroupSize {
			break
		}
	}
	blockRow = min(blockRow, dims.dim)
	return launchPlan{
		strategy:  StrategySpatial,
		vecWidth:  vec,
		groupSize: groupSize,
		blockRow:  blockRow,
		groupNum:  ceilDiv(dims.inner, groupSize*vec),
	}
}
