// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import "github.com/pkg/errors"

// offsetCalculator maps a linear index over an output shape to the linear
// index of a contiguous operand broadcast against it.
//
// Broadcasting is right-aligned and cyclic: every trailing dimension of the
// operand must evenly divide the matching output dimension, and coordinates
// wrap modulo the operand dimension. Size-1 operand dimensions are the usual
// special case of this rule.
type offsetCalculator struct {
	identity  bool
	outDims   []int
	opDims    []int // right-aligned to outDims, padded with leading 1s
	opStrides []int
}

// newOffsetCalculator builds the mapping from outDims to a contiguous operand
// with opDims. It fails when the operand shape cannot be broadcast.
func newOffsetCalculator(outDims, opDims []int) (*offsetCalculator, error) {
	if len(opDims) > len(outDims) {
		return nil, errors.Errorf("operand rank %d is larger than output rank %d", len(opDims), len(outDims))
	}
	calc := &offsetCalculator{
		outDims:   outDims,
		opDims:    make([]int, len(outDims)),
		opStrides: make([]int, len(outDims)),
	}
	pad := len(outDims) - len(opDims)
	for i := range calc.opDims {
		calc.opDims[i] = 1
		if i >= pad {
			calc.opDims[i] = opDims[i-pad]
		}
	}
	stride := 1
	identity := true
	for i := len(outDims) - 1; i >= 0; i-- {
		if calc.opDims[i] == 0 || outDims[i]%calc.opDims[i] != 0 {
			return nil, errors.Errorf("operand dimensions %v cannot be broadcast to %v: axis %d does not evenly divide",
				opDims, outDims, i)
		}
		calc.opStrides[i] = stride
		stride *= calc.opDims[i]
		if calc.opDims[i] != outDims[i] {
			identity = false
		}
	}
	calc.identity = identity
	return calc, nil
}

// offset returns the operand linear index for the given output linear index.
func (c *offsetCalculator) offset(linear int) int {
	if c.identity {
		return linear
	}
	off := 0
	for d := len(c.outDims) - 1; d >= 0; d-- {
		coord := linear % c.outDims[d]
		linear /= c.outDims[d]
		off += (coord % c.opDims[d]) * c.opStrides[d]
	}
	return off
}
