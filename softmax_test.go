// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// softmaxTestShapes covers all three strategies on the default device and,
// through tinyDeviceEngine, with much smaller lane budgets.
var softmaxTestShapes = []struct {
	dims []int
	axis int
}{
	{[]int{8}, 0},
	{[]int{4, 64}, 1},      // register
	{[]int{4, 63}, 1},      // register, unvectorized
	{[]int{3, 1000}, -1},   // register, wide subgroups
	{[]int{2, 20000}, 1},   // streaming on the default device
	{[]int{2, 5, 7}, 1},    // spatial
	{[]int{2, 5, 7}, 0},    // spatial, outer == 1
	{[]int{3, 16, 64}, 1},  // spatial, vectorizable inner
	{[]int{6, 1, 4}, 1},    // dim == 1
	{[]int{1, 1, 1}, 2},    // single element
	{[]int{16, 128, 1}, 1}, // trailing size-1 axis is still contiguous
}

func testSoftmaxAgainstReference(t *testing.T, e *Engine, logMode bool) {
	rng := rand.New(rand.NewPCG(42, 0))
	for _, tc := range softmaxTestShapes {
		data := randFloats(rng, shapes.Make(dtypes.Float64, tc.dims...).Size(), 5)
		x := tensors.FromFlatDataAndDimensions(data, tc.dims...)
		var got *tensors.Tensor
		var err error
		if logMode {
			got, err = e.LogSoftmax(x, tc.axis)
		} else {
			got, err = e.Softmax(x, tc.axis)
		}
		require.NoError(t, err, "dims=%v axis=%d", tc.dims, tc.axis)
		require.True(t, got.Shape().Equal(x.Shape()))
		axis := tc.axis
		if axis < 0 {
			axis += len(tc.dims)
		}
		want := naiveSoftmax(data, tc.dims, axis, logMode)
		gotFlat := flatOf[float64](got)
		for i := range want {
			assert.InDelta(t, want[i], gotFlat[i], 1e-12, "dims=%v axis=%d i=%d", tc.dims, tc.axis, i)
		}
	}
}

func TestSoftmaxMatchesReference(t *testing.T) {
	testSoftmaxAgainstReference(t, testEngine, false)
}

func TestLogSoftmaxMatchesReference(t *testing.T) {
	testSoftmaxAgainstReference(t, testEngine, true)
}

func TestSoftmaxTinyDevice(t *testing.T) {
	// A tiny lane budget pushes the same shapes through the streaming and
	// spatial strategies.
	e := tinyDeviceEngine()
	testSoftmaxAgainstReference(t, e, false)
	testSoftmaxAgainstReference(t, e, true)
}

func TestSoftmaxFloat32(t *testing.T) {
	rng := rand.New(rand.NewPCG(43, 0))
	for _, tc := range softmaxTestShapes {
		data := randFloats(rng, shapes.Make(dtypes.Float64, tc.dims...).Size(), 5)
		x := tensors.FromFlatDataAndDimensions(toFloat32s(data), tc.dims...)
		got, err := testEngine.Softmax(x, tc.axis)
		require.NoError(t, err)
		axis := tc.axis
		if axis < 0 {
			axis += len(tc.dims)
		}
		want := naiveSoftmax(data, tc.dims, axis, false)
		gotFlat := flatOf[float32](got)
		for i := range want {
			assert.InDelta(t, want[i], float64(gotFlat[i]), 1e-5)
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(44, 0))
	data := randFloats(rng, 16*300, 8)
	x := tensors.FromFlatDataAndDimensions(data, 16, 300)
	got, err := testEngine.Softmax(x, 1)
	require.NoError(t, err)
	flat := flatOf[float64](got)
	for row := 0; row < 16; row++ {
		sum := 0.0
		for _, v := range flat[row*300 : (row+1)*300] {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12, "row=%d", row)
	}
}

func TestSoftmaxShiftInvariance(t *testing.T) {
	rng := rand.New(rand.NewPCG(45, 0))
	data := randFloats(rng, 4*32, 3)
	shifted := make([]float64, len(data))
	for i, v := range data {
		shifted[i] = v + 1000
	}
	a, err := testEngine.Softmax(tensors.FromFlatDataAndDimensions(data, 4, 32), 1)
	require.NoError(t, err)
	b, err := testEngine.Softmax(tensors.FromFlatDataAndDimensions(shifted, 4, 32), 1)
	require.NoError(t, err)
	aFlat, bFlat := flatOf[float64](a), flatOf[float64](b)
	for i := range aFlat {
		assert.InDelta(t, aFlat[i], bFlat[i], 1e-12)
	}
}

func TestSoftmaxLargeMagnitudes(t *testing.T) {
	// Inputs near the float32 limit must not overflow: the max is subtracted
	// before exponentiation.
	x := tensors.FromValue([]float32{1e30, 1e30, -1e30})
	got, err := testEngine.Softmax(x, 0)
	require.NoError(t, err)
	flat := flatOf[float32](got)
	assert.InDelta(t, 0.5, float64(flat[0]), 1e-6)
	assert.InDelta(t, 0.5, float64(flat[1]), 1e-6)
	assert.InDelta(t, 0.0, float64(flat[2]), 1e-6)
}

func TestSoftmaxInfinities(t *testing.T) {
	negInf := math.Inf(-1)

	// A -Inf entry gets zero probability; log-softmax keeps it at -Inf.
	got, err := testEngine.Softmax(tensors.FromValue([]float64{0, negInf}), 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, flatOf[float64](got))

	got, err = testEngine.LogSoftmax(tensors.FromValue([]float64{0, negInf}), 0)
	require.NoError(t, err)
	flat := flatOf[float64](got)
	assert.InDelta(t, 0, flat[0], 1e-12)
	assert.True(t, math.IsInf(flat[1], -1))

	// A row of only -Inf has no distribution.
	got, err = testEngine.Softmax(tensors.FromValue([]float64{negInf, negInf}), 0)
	require.NoError(t, err)
	for _, v := range flatOf[float64](got) {
		assert.True(t, math.IsNaN(v))
	}
}

func TestSoftmaxNaNPropagates(t *testing.T) {
	x := tensors.FromValue([]float64{1, math.NaN(), 2})
	got, err := testEngine.Softmax(x, 0)
	require.NoError(t, err)
	for _, v := range flatOf[float64](got) {
		assert.True(t, math.IsNaN(v))
	}
}

func TestSoftmaxHalfPrecision(t *testing.T) {
	values := []float32{0, 1, 2, 3}
	want := naiveSoftmax([]float64{0, 1, 2, 3}, []int{4}, 0, false)

	xh := tensors.FromShape(shapes.Make(dtypes.Float16, 4))
	xh.MutableFlatData(func(flat any) {
		data := flat.([]float16.Float16)
		for i, v := range values {
			data[i] = float16.Fromfloat32(v)
		}
	})
	got, err := testEngine.Softmax(xh, 0)
	require.NoError(t, err)
	for i, v := range flatOf[float16.Float16](got) {
		assert.InDelta(t, want[i], float64(v.Float32()), 1e-2)
	}

	xb := tensors.FromShape(shapes.Make(dtypes.BFloat16, 4))
	xb.MutableFlatData(func(flat any) {
		data := flat.([]bfloat16.BFloat16)
		for i, v := range values {
			data[i] = bfloat16.FromFloat32(v)
		}
	})
	got, err = testEngine.Softmax(xb, 0)
	require.NoError(t, err)
	for i, v := range flatOf[bfloat16.BFloat16](got) {
		assert.InDelta(t, want[i], float64(v.Float32()), 2e-2)
	}
}

func TestSoftmaxScalarAndEmpty(t *testing.T) {
	got, err := testEngine.Softmax(tensors.FromValue(float32(7)), 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, flatOf[float32](got))

	got, err = testEngine.LogSoftmax(tensors.FromValue(float32(7)), 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, flatOf[float32](got))

	empty := tensors.FromShape(shapes.Make(dtypes.Float32, 0, 5))
	got, err = testEngine.Softmax(empty, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Shape().Size())
}

func TestSoftmaxErrors(t *testing.T) {
	_, err := testEngine.Softmax(tensors.FromValue([]int32{1, 2}), 0)
	assert.Error(t, err)

	_, err = testEngine.Softmax(tensors.FromValue([]float32{1, 2}), 1)
	assert.Error(t, err)
	_, err = testEngine.Softmax(tensors.FromValue([]float32{1, 2}), -2)
	assert.Error(t, err)

	_, err = testEngine.Softmax(nil, 0)
	assert.Error(t, err)
}
