// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// naiveSoftmaxGrad applies the closed-form input gradients along axis:
// softmax: gI = y*(gO - sum(y*gO)); log-softmax: gI = gO - exp(y)*sum(gO).
func naiveSoftmaxGrad(output, gradOutput []float64, dimensions []int, axis int, logMode bool) []float64 {
	dims := dimsForAxis(dimensions, axis)
	gradInput := make([]float64, len(output))
	for o := 0; o < dims.outer; o++ {
		for i := 0; i < dims.inner; i++ {
			base := o*dims.dim*dims.inner + i
			sum := 0.0
			for d := 0; d < dims.dim; d++ {
				idx := base + d*dims.inner
				if logMode {
					sum += gradOutput[idx]
				} else {
					sum += output[idx] * gradOutput[idx]
				}
			}
			for d := 0; d < dims.dim; d++ {
				idx := base + d*dims.inner
				if logMode {
					gradInput[idx] = gradOutput[idx] - math.Exp(output[idx])*sum
				} else {
					gradInput[idx] = output[idx] * (gradOutput[idx] - sum)
				}
			}
		}
	}
	return gradInput
}

func testSoftmaxGradAgainstReference(t *testing.T, e *Engine, logMode bool) {
	rng := rand.New(rand.NewPCG(50, 0))
	for _, tc := range softmaxTestShapes {
		size := 1
		for _, d := range tc.dims {
			size *= d
		}
		axis := tc.axis
		if axis < 0 {
			axis += len(tc.dims)
		}
		// The forward output of real inputs, so the backward sees realistic
		// values.
		outputData := naiveSoftmax(randFloats(rng, size, 3), tc.dims, axis, logMode)
		gradOutputData := randFloats(rng, size, 2)
		output := tensors.FromFlatDataAndDimensions(outputData, tc.dims...)
		gradOutput := tensors.FromFlatDataAndDimensions(gradOutputData, tc.dims...)

		var gradInput *tensors.Tensor
		var err error
		if logMode {
			gradInput, err = e.LogSoftmaxGrad(output, gradOutput, tc.axis)
		} else {
			gradInput, err = e.SoftmaxGrad(output, gradOutput, tc.axis)
		}
		require.NoError(t, err, "dims=%v axis=%d", tc.dims, tc.axis)
		want := naiveSoftmaxGrad(outputData, gradOutputData, tc.dims, axis, logMode)
		gotFlat := flatOf[float64](gradInput)
		for i := range want {
			assert.InDelta(t, want[i], gotFlat[i], 1e-12, "dims=%v axis=%d i=%d", tc.dims, tc.axis, i)
		}
	}
}

func TestSoftmaxGradMatchesReference(t *testing.T) {
	testSoftmaxGradAgainstReference(t, testEngine, false)
}

func TestLogSoftmaxGradMatchesReference(t *testing.T) {
	testSoftmaxGradAgainstReference(t, testEngine, true)
}

func TestSoftmaxGradTinyDevice(t *testing.T) {
	e := tinyDeviceEngine()
	testSoftmaxGradAgainstReference(t, e, false)
	testSoftmaxGradAgainstReference(t, e, true)
}

func TestSoftmaxGradFiniteDifferences(t *testing.T) {
	// Checks d<softmax(x), w>/dx against central differences along a random
	// direction.
	rng := rand.New(rand.NewPCG(51, 0))
	const rows, dim = 3, 16
	xData := randFloats(rng, rows*dim, 2)
	w := randFloats(rng, rows*dim, 1)
	direction := randFloats(rng, rows*dim, 1)

	loss := func(data []float64) float64 {
		out := naiveSoftmax(data, []int{rows, dim}, 1, false)
		total := 0.0
		for i, v := range out {
			total += v * w[i]
		}
		return total
	}

	output, err := testEngine.Softmax(tensors.FromFlatDataAndDimensions(xData, rows, dim), 1)
	require.NoError(t, err)
	gradInput, err := testEngine.SoftmaxGrad(output, tensors.FromFlatDataAndDimensions(w, rows, dim), 1)
	require.NoError(t, err)

	analytic := 0.0
	for i, g := range flatOf[float64](gradInput) {
		analytic += g * direction[i]
	}

	const h = 1e-6
	plus := make([]float64, len(xData))
	minus := make([]float64, len(xData))
	for i := range xData {
		plus[i] = xData[i] + h*direction[i]
		minus[i] = xData[i] - h*direction[i]
	}
	numeric := (loss(plus) - loss(minus)) / (2 * h)
	assert.InDelta(t, numeric, analytic, 1e-7)
}

func TestSoftmaxGradSumsToZero(t *testing.T) {
	// Softmax outputs always sum to one, so any input gradient must sum to
	// zero along the reduced axis.
	rng := rand.New(rand.NewPCG(52, 0))
	outputData := naiveSoftmax(randFloats(rng, 8*40, 3), []int{8, 40}, 1, false)
	output := tensors.FromFlatDataAndDimensions(outputData, 8, 40)
	gradOutput := tensors.FromFlatDataAndDimensions(randFloats(rng, 8*40, 2), 8, 40)
	gradInput, err := testEngine.SoftmaxGrad(output, gradOutput, 1)
	require.NoError(t, err)
	flat := flatOf[float64](gradInput)
	for row := 0; row < 8; row++ {
		sum := 0.0
		for _, v := range flat[row*40 : (row+1)*40] {
			sum += v
		}
		assert.InDelta(t, 0, sum, 1e-12, "row=%d", row)
	}
}

func TestSoftmaxGradErrors(t *testing.T) {
	a := tensors.FromValue([]float32{1, 2, 3})
	b := tensors.FromValue([]float32{1, 2})
	_, err := testEngine.SoftmaxGrad(a, b, 0)
	assert.Error(t, err)

	ai := tensors.FromValue([]int32{1, 2})
	bi := tensors.FromValue([]int32{1, 2})
	_, err = testEngine.SoftmaxGrad(ai, bi, 0)
	assert.Error(t, err)

	_, err = testEngine.LogSoftmaxGrad(nil, a, 0)
	assert.Error(t, err)
}
