// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Stable operator names. Integrations look operators up by these names, so
// they never change, even when the Go API does.
const (
	OpMinDim             = "min.dim"
	OpMinDimOut          = "min.dim.out"
	OpMaxDim             = "max.dim"
	OpMaxDimOut          = "max.dim.out"
	OpSoftmax            = "softmax"
	OpSoftmaxBackward    = "softmax.backward"
	OpLogSoftmax         = "log_softmax"
	OpLogSoftmaxBackward = "log_softmax.backward"
	OpMaskedSoftmax      = "masked_softmax"
	OpMaskedSoftmaxBack  = "masked_softmax.backward"
	OpAddSoftmax         = "add_softmax"
	OpAddView            = "add_view"
	OpAddScalarView      = "add_view.Scalar"
	OpAddViewSoftmax     = "add_view_softmax"
)

// Signatures of the registered operators. Every registered value is one of
// these; clients type-assert after lookup.
type (
	// ReduceIndexOp returns values and first-occurrence indices along axis.
	ReduceIndexOp func(e *Engine, x *tensors.Tensor, axis int, keepDims bool) (values, indices *tensors.Tensor, err error)

	// ReduceIndexOutOp is the destination-passing form of ReduceIndexOp.
	ReduceIndexOutOp func(e *Engine, x *tensors.Tensor, axis int, keepDims bool, values, indices *tensors.Tensor) error

	// UnaryAxisOp maps a tensor to a tensor along one axis.
	UnaryAxisOp func(e *Engine, x *tensors.Tensor, axis int) (*tensors.Tensor, error)

	// BackwardAxisOp computes an input gradient from a forward result and an
	// output gradient.
	BackwardAxisOp func(e *Engine, output, gradOutput *tensors.Tensor, axis int) (*tensors.Tensor, error)

	// MaskedOp is a masked softmax forward.
	MaskedOp func(e *Engine, x, mask *tensors.Tensor, axis int, maskType MaskType) (*tensors.Tensor, error)

	// MaskedBackwardOp is a masked softmax backward.
	MaskedBackwardOp func(e *Engine, output, gradOutput, mask *tensors.Tensor, axis int) (*tensors.Tensor, error)

	// AddSoftmaxOp is the fused add+softmax forward.
	AddSoftmaxOp func(e *Engine, x, other *tensors.Tensor, alpha float64, axis int) (*tensors.Tensor, error)

	// AddViewOp is a broadcast add reshaped to viewDims.
	AddViewOp func(e *Engine, x, other *tensors.Tensor, alpha float64, viewDims []int) (*tensors.Tensor, error)

	// AddScalarViewOp is a scalar add reshaped to viewDims.
	AddScalarViewOp func(e *Engine, x *tensors.Tensor, scalar, alpha float64, viewDims []int) (*tensors.Tensor, error)

	// AddViewSoftmaxOp is the fused add+view+softmax forward.
	AddViewSoftmaxOp func(e *Engine, x, other *tensors.Tensor, alpha float64, viewDims []int, axis int) (*tensors.Tensor, error)
)

var (
	opsMu sync.RWMutex
	ops   = make(map[string]any)
)

// RegisterOp binds an operator implementation to a stable name. Registering a
// name twice is a programming error and panics.
func RegisterOp(name string, op any) {
	opsMu.Lock()
	defer opsMu.Unlock()
	if _, found := ops[name]; found {
		exceptions.Panicf("operator %q registered twice", name)
	}
	ops[name] = op
}

// LookupOp returns the operator registered under name, or false if none is.
func LookupOp(name string) (any, bool) {
	opsMu.RLock()
	defer opsMu.RUnlock()
	op, found := ops[name]
	return op, found
}

// MustOp returns the operator registered under name, panicking if none is.
func MustOp(name string) any {
	op, found := LookupOp(name)
	if !found {
		exceptions.Panicf("no operator registered under %q", name)
	}
	return op
}

// RegisteredOps returns the names of all registered operators.
func RegisteredOps() []string {
	opsMu.RLock()
	defer opsMu.RUnlock()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	return names
}

func init() {
	RegisterOp(OpMinDim, ReduceIndexOp((*Engine).MinWithIndices))
	RegisterOp(OpMinDimOut, ReduceIndexOutOp((*Engine).MinWithIndicesOut))
	RegisterOp(OpMaxDim, ReduceIndexOp((*Engine).MaxWithIndices))
	RegisterOp(OpMaxDimOut, ReduceIndexOutOp((*Engine).MaxWithIndicesOut))
	RegisterOp(OpSoftmax, UnaryAxisOp((*Engine).Softmax))
	RegisterOp(OpSoftmaxBackward, BackwardAxisOp((*Engine).SoftmaxGrad))
	RegisterOp(OpLogSoftmax, UnaryAxisOp((*Engine).LogSoftmax))
	RegisterOp(OpLogSoftmaxBackward, BackwardAxisOp((*Engine).LogSoftmaxGrad))
	RegisterOp(OpMaskedSoftmax, MaskedOp((*Engine).MaskedSoftmax))
	RegisterOp(OpMaskedSoftmaxBack, MaskedBackwardOp((*Engine).MaskedSoftmaxGrad))
	RegisterOp(OpAddSoftmax, AddSoftmaxOp((*Engine).AddSoftmax))
	RegisterOp(OpAddView, AddViewOp((*Engine).AddView))
	RegisterOp(OpAddScalarView, AddScalarViewOp((*Engine).AddScalarView))
	RegisterOp(OpAddViewSoftmax, AddViewSoftmaxOp((*Engine).AddViewSoftmax))
}
