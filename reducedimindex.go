// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// pairAcc is the running state of an indexed reduction: the best value seen
// so far and the index where it first occurred.
type pairAcc[T any] struct {
	value T
	index int64
}

// translateIndex rebases a pair whose index is local to a chunk starting at
// base. It lets chunks reduce independently and still combine exactly.
func translateIndex[T any](p pairAcc[T], base int64) pairAcc[T] {
	p.index += base
	return p
}

// keepLeft reports whether the incumbent (a, ia) beats the candidate (b, ib)
// under the ordering given by less. NaN dominates: a NaN anywhere in the row
// is the result, and among equal values (NaN included) the lower index wins.
func keepLeft[T any](less func(a, b T) bool, isNaN func(T) bool, a, b T, ia, ib int64) bool {
	if isNaN(a) || isNaN(b) {
		if isNaN(a) && isNaN(b) {
			return ia <= ib
		}
		return isNaN(a)
	}
	if less(a, b) {
		return true
	}
	if less(b, a) {
		return false
	}
	return ia <= ib
}

type minMaxArgs struct {
	engine     *Engine
	dims       axisDims
	in         any
	outValues  any
	outIndices []int64
	isMin      bool
}

var minMaxTable = NewDTypeDispatcher("minmax.dim")

func neverNaN[T any](T) bool { return false }

func lessOrdered[T podNumericConstraints](a, b T) bool { return a < b }

func registerMinMaxKernels[T supportedConstraints](dtype dtypes.DType, less func(a, b T) bool, isNaN func(T) bool) {
	minMaxTable.Register(dtype, func(params ...any) {
		minMaxExec(less, isNaN, params[0].(*minMaxArgs))
	})
}

func init() {
	registerMinMaxKernels(dtypes.Bool, func(a, b bool) bool { return !a && b }, neverNaN[bool])
	registerMinMaxKernels(dtypes.Int8, lessOrdered[int8], neverNaN[int8])
	registerMinMaxKernels(dtypes.Int16, lessOrdered[int16], neverNaN[int16])
	registerMinMaxKernels(dtypes.Int32, lessOrdered[int32], neverNaN[int32])
	registerMinMaxKernels(dtypes.Int64, lessOrdered[int64], neverNaN[int64])
	registerMinMaxKernels(dtypes.Uint8, lessOrdered[uint8], neverNaN[uint8])
	registerMinMaxKernels(dtypes.Uint16, lessOrdered[uint16], neverNaN[uint16])
	registerMinMaxKernels(dtypes.Uint32, lessOrdered[uint32], neverNaN[uint32])
	registerMinMaxKernels(dtypes.Uint64, lessOrdered[uint64], neverNaN[uint64])
	registerMinMaxKernels(dtypes.Float32, lessOrdered[float32], func(v float32) bool { return v != v })
	registerMinMaxKernels(dtypes.Float64, lessOrdered[float64], func(v float64) bool { return v != v })
	registerMinMaxKernels(dtypes.Float16,
		func(a, b float16.Float16) bool { return a.Float32() < b.Float32() },
		float16.Float16.IsNaN)
	registerMinMaxKernels(dtypes.BFloat16,
		func(a, b bfloat16.BFloat16) bool { return a.Float32() < b.Float32() },
		func(v bfloat16.BFloat16) bool { f := v.Float32(); return f != f })
}

// MinWithIndices reduces x along axis, returning both the minimum values and
// the index of their first occurrence along that axis. NaN dominates: a row
// containing NaN reduces to the first NaN. Indices are Int64.
func (e *Engine) MinWithIndices(x *tensors.Tensor, axis int, keepDims bool) (values, indices *tensors.Tensor, err error) {
	return e.reduceDimIndex(x, axis, keepDims, true)
}

// MaxWithIndices reduces x along axis, returning both the maximum values and
// the index of their first occurrence along that axis. NaN dominates, same as
// MinWithIndices.
func (e *Engine) MaxWithIndices(x *tensors.Tensor, axis int, keepDims bool) (values, indices *tensors.Tensor, err error) {
	return e.reduceDimIndex(x, axis, keepDims, false)
}

// MinWithIndicesOut is the destination-passing variant of MinWithIndices:
// values and indices must be preallocated with the reduced shape, the values
// tensor with x's dtype and the indices tensor with Int64.
func (e *Engine) MinWithIndicesOut(x *tensors.Tensor, axis int, keepDims bool, values, indices *tensors.Tensor) error {
	return e.reduceDimIndexOut(x, axis, keepDims, true, values, indices)
}

// MaxWithIndicesOut is the destination-passing variant of MaxWithIndices.
func (e *Engine) MaxWithIndicesOut(x *tensors.Tensor, axis int, keepDims bool, values, indices *tensors.Tensor) error {
	return e.reduceDimIndexOut(x, axis, keepDims, false, values, indices)
}

func minMaxOpName(isMin bool) string {
	if isMin {
		return "MinWithIndices"
	}
	return "MaxWithIndices"
}

// reduceShape returns the dimensions of the reduction result.
func reduceShape(dimensions []int, axis int, keepDims bool) []int {
	out := make([]int, 0, len(dimensions))
	for i, d := range dimensions {
		if i == axis {
			if keepDims {
				out = append(out, 1)
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

func (e *Engine) minMaxValidate(x *tensors.Tensor, axis int, isMin bool) (wrappedAxis int, err error) {
	opName := minMaxOpName(isMin)
	if x == nil || !x.Ok() {
		return 0, errors.Errorf("%s: input tensor is nil or invalid", opName)
	}
	shape := x.Shape()
	if shape.DType.IsComplex() {
		return 0, errors.Errorf("%s: complex dtypes are not supported, got %s", opName, shape.DType)
	}
	if !minMaxTable.Supports(shape.DType) {
		return 0, errors.Errorf("%s: dtype %s is not supported", opName, shape.DType)
	}
	wrappedAxis, err = wrapAxis(axis, shape.Rank())
	if err != nil {
		return 0, errors.WithMessage(err, opName)
	}
	if shape.Rank() > 0 && shape.Dimensions[wrappedAxis] == 0 {
		return 0, errors.Errorf("%s: expected reduction axis %d to have non-zero size", opName, axis)
	}
	return wrappedAxis, nil
}

func (e *Engine) reduceDimIndex(x *tensors.Tensor, axis int, keepDims, isMin bool) (values, indices *tensors.Tensor, err error) {
	wrappedAxis, err := e.minMaxValidate(x, axis, isMin)
	if err != nil {
		return nil, nil, err
	}
	shape := x.Shape()
	outDims := reduceShape(shape.Dimensions, wrappedAxis, keepDims)
	values = tensors.FromShape(shapes.Make(shape.DType, outDims...))
	indices = tensors.FromShape(shapes.Make(dtypes.Int64, outDims...))
	if shape.Size() == 0 {
		return values, indices, nil
	}
	e.minMaxFill(x, wrappedAxis, isMin, values, indices)
	return values, indices, nil
}

func (e *Engine) reduceDimIndexOut(x *tensors.Tensor, axis int, keepDims, isMin bool, values, indices *tensors.Tensor) error {
	opName := minMaxOpName(isMin)
	wrappedAxis, err := e.minMaxValidate(x, axis, isMin)
	if err != nil {
		return err
	}
	if values == nil || !values.Ok() || indices == nil || !indices.Ok() {
		return errors.Errorf("%s: destination tensors are nil or invalid", opName)
	}
	shape := x.Shape()
	wantValues := shapes.Make(shape.DType, reduceShape(shape.Dimensions, wrappedAxis, keepDims)...)
	wantIndices := shapes.Make(dtypes.Int64, wantValues.Dimensions...)
	if !values.Shape().Equal(wantValues) {
		return errors.Errorf("%s: values destination has shape %s, want %s", opName, values.Shape(), wantValues)
	}
	if !indices.Shape().Equal(wantIndices) {
		return errors.Errorf("%s: indices destination has shape %s, want %s", opName, indices.Shape(), wantIndices)
	}
	if shape.Size() == 0 {
		return nil
	}
	e.minMaxFill(x, wrappedAxis, isMin, values, indices)
	return nil
}

func (e *Engine) minMaxFill(x *tensors.Tensor, axis int, isMin bool, values, indices *tensors.Tensor) {
	shape := x.Shape()
	dims := dimsForAxis(shape.Dimensions, axis)
	x.ConstFlatData(func(inFlat any) {
		values.MutableFlatData(func(valuesFlat any) {
			indices.MutableFlatData(func(indicesFlat any) {
				minMaxTable.Dispatch(shape.DType, &minMaxArgs{
					engine:     e,
					dims:       dims,
					in:         inFlat,
					outValues:  valuesFlat,
					outIndices: indicesFlat.([]int64),
					isMin:      isMin,
				})
			})
		})
	})
}

// minMinMaxParallelChunk: reductions smaller than this run sequentially, the
// goroutine overhead is not worth it.
const minMinMaxParallelChunk = 4096

func minMaxExec[T supportedConstraints](less func(a, b T) bool, isNaN func(T) bool, args *minMaxArgs) {
	in := args.in.([]T)
	outValues := args.outValues.([]T)
	e := args.engine
	dims := args.dims
	cmp := less
	if !args.isMin {
		cmp = func(a, b T) bool { return less(b, a) }
	}
	keep := func(a, b T, ia, ib int64) bool {
		return keepLeft(cmp, isNaN, a, b, ia, ib)
	}

	// foldRange reduces elements d in [lo, hi) of output element (o, i),
	// with indices local to lo.
	foldRange := func(base, lo, hi int) pairAcc[T] {
		acc := pairAcc[T]{value: in[base+lo*dims.inner], index: 0}
		for d := lo + 1; d < hi; d++ {
			v := in[base+d*dims.inner]
			idx := int64(d - lo)
			if !keep(acc.value, v, acc.index, idx) {
				acc = pairAcc[T]{value: v, index: idx}
			}
		}
		return acc
	}

	numOut := dims.outer * dims.inner
	numel := numOut * dims.dim
	reduceOut := func(outIdx int) {
		o, i := outIdx/dims.inner, outIdx%dims.inner
		acc := foldRange(o*dims.dim*dims.inner+i, 0, dims.dim)
		outValues[outIdx] = acc.value
		args.outIndices[outIdx] = acc.index
	}

	if !e.workers.IsEnabled() || numel < minMinMaxParallelChunk {
		for outIdx := 0; outIdx < numOut; outIdx++ {
			reduceOut(outIdx)
		}
		return
	}

	if numOut == 1 {
		// Single output: split the reduced axis into chunks, reduce each with
		// local indices, then translate and combine in order.
		chunks := min(dims.dim, max(2, defaultMaxParallelism()))
		per := ceilDiv(dims.dim, chunks)
		chunks = ceilDiv(dims.dim, per)
		partials := make([]pairAcc[T], chunks)
		e.runGroups(chunks, func(chunk int) {
			lo := chunk * per
			hi := min(lo+per, dims.dim)
			partials[chunk] = foldRange(0, lo, hi)
		})
		acc := translateIndex(partials[0], 0)
		for chunk := 1; chunk < chunks; chunk++ {
			p := translateIndex(partials[chunk], int64(chunk*per))
			if !keep(acc.value, p.value, acc.index, p.index) {
				acc = p
			}
		}
		outValues[0] = acc.value
		args.outIndices[0] = acc.index
		return
	}

	chunkOut := max(1, minMinMaxParallelChunk/dims.dim)
	e.runGroups(ceilDiv(numOut, chunkOut), func(group int) {
		lo := group * chunkOut
		hi := min(lo+chunkOut, numOut)
		for outIdx := lo; outIdx < hi; outIdx++ {
			reduceOut(outIdx)
		}
	})
}
