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

// shapeUseFusedPath reports whether other can be added to x inside the fused
// softmax kernel: other's rank must not exceed x's and every trailing
// dimension of other must evenly divide x's corresponding dimension.
func shapeUseFusedPath(xDims, otherDims []int) bool {
	if len(otherDims) > len(xDims) {
		return false
	}
	pad := len(xDims) - len(otherDims)
	for i, d := range otherDims {
		if d == 0 || xDims[pad+i]%d != 0 {
			return false
		}
	}
	return true
}

// addArgs carries a broadcast add materialization through the dtype
// dispatcher: out[i] = in[i] + alpha*other[calc(i)].
type addArgs struct {
	engine *Engine
	in     any
	out    any
	other  any // nil for the scalar variant
	calc   *offsetCalculator
	alpha  float64
	scalar float64 // used when other is nil
}

var addTable = NewDTypeDispatcher("add.broadcast")

func init() {
	registerAdd[float32](dtypes.Float32, accessF32)
	registerAdd[float64](dtypes.Float64, accessF64)
	registerAdd[float16.Float16](dtypes.Float16, accessF16)
	registerAdd[bfloat16.BFloat16](dtypes.BFloat16, accessBF16)
}

func registerAdd[T any, A podFloatConstraints](dtype dtypes.DType, acc access[T, A]) {
	addTable.Register(dtype, func(params ...any) {
		addExec[T](acc, params[0].(*addArgs))
	})
}

const addParallelChunk = 16 * 1024

func addExec[T any, A podFloatConstraints](acc access[T, A], args *addArgs) {
	in := args.in.([]T)
	out := args.out.([]T)
	alpha := A(args.alpha)
	var addRange func(lo, hi int)
	if args.other == nil {
		delta := alpha * A(args.scalar)
		addRange = func(lo, hi int) {
			for i := lo; i < hi; i++ {
				out[i] = acc.fromAcc(acc.toAcc(in[i]) + delta)
			}
		}
	} else {
		other := args.other.([]T)
		addRange = func(lo, hi int) {
			for i := lo; i < hi; i++ {
				out[i] = acc.fromAcc(acc.toAcc(in[i]) + alpha*acc.toAcc(other[args.calc.offset(i)]))
			}
		}
	}
	if !args.engine.workers.IsEnabled() || len(in) < addParallelChunk {
		addRange(0, len(in))
		return
	}
	args.engine.runGroups(ceilDiv(len(in), addParallelChunk), func(group int) {
		lo := group * addParallelChunk
		addRange(lo, min(lo+addParallelChunk, len(in)))
	})
}

func (e *Engine) fusedAddValidate(opName string, x, other *tensors.Tensor) (*offsetCalculator, error) {
	if x == nil || !x.Ok() || other == nil || !other.Ok() {
		return nil, errors.Errorf("%s: input tensors are nil or invalid", opName)
	}
	shape := x.Shape()
	if shape.DType != other.Shape().DType {
		return nil, errors.Errorf("%s: x dtype %s and other dtype %s must match",
			opName, shape.DType, other.Shape().DType)
	}
	if !addTable.Supports(shape.DType) {
		return nil, errors.Errorf("%s: dtype %s is not supported, only float dtypes are", opName, shape.DType)
	}
	calc, err := newOffsetCalculator(shape.Dimensions, other.Shape().Dimensions)
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	return calc, nil
}

// AddSoftmax computes softmax(x + alpha*other) along axis, fusing the add
// into the softmax load when the shapes and the reduction layout allow it.
// other broadcasts against x's trailing dimensions.
func (e *Engine) AddSoftmax(x, other *tensors.Tensor, alpha float64, axis int) (*tensors.Tensor, error) {
	const opName = "AddSoftmax"
	calc, err := e.fusedAddValidate(opName, x, other)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	axis, err = wrapAxis(axis, shape.Rank())
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	out := tensors.FromShape(shape.Clone())
	if shape.Size() == 0 {
		return out, nil
	}

	dims := dimsForAxis(shape.Dimensions, axis)
	if shapeUseFusedPath(shape.Dimensions, other.Shape().Dimensions) &&
		registerEligible(e.device, shape.DType.Size(), dims, true) {
		x.ConstFlatData(func(inFlat any) {
			other.ConstFlatData(func(otherFlat any) {
				out.MutableFlatData(func(outFlat any) {
					args := &softmaxArgs{
						engine: e, dims: dims,
						in: inFlat, out: outFlat,
						other: otherFlat, otherCalc: calc, alpha: alpha,
					}
					softmaxForwardTable.Dispatch(shape.DType, args)
				})
			})
		})
		return out, nil
	}

	sum := e.addBroadcast(x, other, alpha, calc, shape.Dimensions)
	defer sum.FinalizeAll()
	return e.Softmax(sum, axis)
}

// AddView computes x + alpha*other and returns the result reshaped to
// viewDims. other broadcasts against x's trailing dimensions; the element
// count of viewDims must equal x's.
func (e *Engine) AddView(x, other *tensors.Tensor, alpha float64, viewDims []int) (*tensors.Tensor, error) {
	const opName = "AddView"
	calc, err := e.fusedAddValidate(opName, x, other)
	if err != nil {
		return nil, err
	}
	if err = checkViewDims(opName, x.Shape(), viewDims); err != nil {
		return nil, err
	}
	return e.addBroadcast(x, other, alpha, calc, viewDims), nil
}

// AddScalarView computes x + alpha*scalar and returns the result reshaped to
// viewDims.
func (e *Engine) AddScalarView(x *tensors.Tensor, scalar, alpha float64, viewDims []int) (*tensors.Tensor, error) {
	const opName = "AddScalarView"
	if x == nil || !x.Ok() {
		return nil, errors.Errorf("%s: input tensor is nil or invalid", opName)
	}
	shape := x.Shape()
	if !addTable.Supports(shape.DType) {
		return nil, errors.Errorf("%s: dtype %s is not supported, only float dtypes are", opName, shape.DType)
	}
	if err := checkViewDims(opName, shape, viewDims); err != nil {
		return nil, err
	}
	out := tensors.FromShape(shapes.Make(shape.DType, viewDims...))
	if shape.Size() == 0 {
		return out, nil
	}
	x.ConstFlatData(func(inFlat any) {
		out.MutableFlatData(func(outFlat any) {
			addTable.Dispatch(shape.DType, &addArgs{
				engine: e, in: inFlat, out: outFlat,
				alpha: alpha, scalar: scalar,
			})
		})
	})
	return out, nil
}

// AddViewSoftmax computes softmax((x + alpha*other) viewed as viewDims) along
// axis of the viewed shape, fusing add and softmax when possible.
func (e *Engine) AddViewSoftmax(x, other *tensors.Tensor, alpha float64, viewDims []int, axis int) (*tensors.Tensor, error) {
	const opName = "AddViewSoftmax"
	calc, err := e.fusedAddValidate(opName, x, other)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	if err = checkViewDims(opName, shape, viewDims); err != nil {
		return nil, err
	}
	axis, err = wrapAxis(axis, len(viewDims))
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	out := tensors.FromShape(shapes.Make(shape.DType, viewDims...))
	if shape.Size() == 0 {
		return out, nil
	}

	// The row structure comes from the viewed shape; the add offsets come
	// from x's layout. Both share the same flat indexing.
	dims := dimsForAxis(viewDims, axis)
	if shapeUseFusedPath(shape.Dimensions, other.Shape().Dimensions) &&
		registerEligible(e.device, shape.DType.Size(), dims, true) {
		x.ConstFlatData(func(inFlat any) {
			other.ConstFlatData(func(otherFlat any) {
				out.MutableFlatData(func(outFlat any) {
					args := &softmaxArgs{
						engine: e, dims: dims,
						in: inFlat, out: outFlat,
						other: otherFlat, otherCalc: calc, alpha: alpha,
					}
					softmaxForwardTable.Dispatch(shape.DType, args)
				})
			})
		})
		return out, nil
	}

	sum := e.addBroadcast(x, other, alpha, calc, viewDims)
	defer sum.FinalizeAll()
	return e.Softmax(sum, axis)
}

func checkViewDims(opName string, shape shapes.Shape, viewDims []int) error {
	size := 1
	for _, d := range viewDims {
		size *= d
	}
	if size != shape.Size() {
		return errors.Errorf("%s: view dimensions %v hold %d elements, the input shape %s holds %d",
			opName, viewDims, size, shape, shape.Size())
	}
	return nil
}

// addBroadcast materializes x + alpha*other into a fresh tensor shaped
// outDims (same element count as x).
func (e *Engine) addBroadcast(x, other *tensors.Tensor, alpha float64, calc *offsetCalculator, outDims []int) *tensors.Tensor {
	shape := x.Shape()
	out := tensors.FromShape(shapes.Make(shape.DType, outDims...))
	if shape.Size() == 0 {
		return out
	}
	x.ConstFlatData(func(inFlat any) {
		other.ConstFlatData(func(otherFlat any) {
			out.MutableFlatData(func(outFlat any) {
				addTable.Dispatch(shape.DType, &addArgs{
					engine: e, in: inFlat, out: outFlat,
					other: otherFlat, calc: calc, alpha: alpha,
				})
			})
		})
	})
	return out
}
