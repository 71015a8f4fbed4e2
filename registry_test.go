// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCompleteness(t *testing.T) {
	for _, name := range []string{
		OpMinDim, OpMinDimOut, OpMaxDim, OpMaxDimOut,
		OpSoftmax, OpSoftmaxBackward, OpLogSoftmax, OpLogSoftmaxBackward,
		OpMaskedSoftmax, OpMaskedSoftmaxBack,
		OpAddSoftmax, OpAddView, OpAddScalarView, OpAddViewSoftmax,
	} {
		_, found := LookupOp(name)
		assert.True(t, found, "operator %q is not registered", name)
	}
	assert.Len(t, RegisteredOps(), 14)
}

func TestRegistryDispatch(t *testing.T) {
	op, ok := MustOp(OpMaxDim).(ReduceIndexOp)
	require.True(t, ok)
	values, indices, err := op(testEngine, tensors.FromValue([]float32{1, 9, 2}), 0, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{9}, flatOf[float32](values))
	assert.Equal(t, []int64{1}, flatOf[int64](indices))

	softmaxOp, ok := MustOp(OpSoftmax).(UnaryAxisOp)
	require.True(t, ok)
	out, err := softmaxOp(testEngine, tensors.FromValue([]float32{0, 0}), 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, flatOf[float32](out))
}

func TestRegistryUnknownAndDuplicates(t *testing.T) {
	_, found := LookupOp("no_such_operator")
	assert.False(t, found)
	assert.Panics(t, func() { MustOp("no_such_operator") })
	assert.Panics(t, func() { RegisterOp(OpSoftmax, nil) })
}
