// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

//go:generate go tool enumer -type=MaskType -trimprefix=MaskType -output=gen_masktype_enumer.go masked.go

// MaskType describes how a mask's shape relates to the input of
// MaskedSoftmax. The layouts mirror the attention use case, with input shape
// [batch, heads, seqLen, seqLen].
type MaskType int

const (
	// MaskTypeSrc is a per-position attention mask of shape
	// [seqLen, seqLen], broadcast over batch and heads.
	MaskTypeSrc MaskType = iota

	// MaskTypeKeyPadding is a key-padding mask of shape [batch, seqLen],
	// applied as [batch, 1, 1, seqLen] to a rank-4 input.
	MaskTypeKeyPadding

	// MaskTypeFull requires the mask shape to equal the input shape.
	MaskTypeFull
)

// maskedFillArgs carries a masked-fill materialization through the dtype
// dispatcher: out[i] = value where mask says so, in[i] elsewhere.
type maskedFillArgs struct {
	engine *Engine
	in     any
	out    any
	mask   []bool
	calc   *offsetCalculator
	value  float64
}

var maskedFillTable = NewDTypeDispatcher("masked.fill")

func init() {
	registerMaskedFill[float32](dtypes.Float32, accessF32)
	registerMaskedFill[float64](dtypes.Float64, accessF64)
	registerMaskedFill[float16.Float16](dtypes.Float16, accessF16)
	registerMaskedFill[bfloat16.BFloat16](dtypes.BFloat16, accessBF16)
}

func registerMaskedFill[T any, A podFloatConstraints](dtype dtypes.DType, acc access[T, A]) {
	maskedFillTable.Register(dtype, func(params ...any) {
		maskedFillExec[T](acc, params[0].(*maskedFillArgs))
	})
}

const maskedFillParallelChunk = 16 * 1024

func maskedFillExec[T any, A podFloatConstraints](acc access[T, A], args *maskedFillArgs) {
	in := args.in.([]T)
	out := args.out.([]T)
	fill := acc.fromAcc(A(args.value))
	fillRange := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if args.mask[args.calc.offset(i)] {
				out[i] = fill
			} else {
				out[i] = in[i]
			}
		}
	}
	if !args.engine.workers.IsEnabled() || len(in) < maskedFillParallelChunk {
		fillRange(0, len(in))
		return
	}
	args.engine.runGroups(ceilDiv(len(in), maskedFillParallelChunk), func(group int) {
		lo := group * maskedFillParallelChunk
		fillRange(lo, min(lo+maskedFillParallelChunk, len(in)))
	})
}

// maskViewDims returns the broadcastable dimensions the mask is applied with,
// after validating its shape against the input for the given MaskType.
func maskViewDims(inputDims, maskDims []int, maskType MaskType) ([]int, error) {
	switch maskType {
	case MaskTypeSrc:
		if len(maskDims) != 2 || len(inputDims) < 2 ||
			maskDims[0] != inputDims[len(inputDims)-2] || maskDims[1] != inputDims[len(inputDims)-1] {
			return nil, errors.Errorf("a src mask must have shape [seqLen, seqLen] matching the input's trailing dimensions, got mask %v for input %v",
				maskDims, inputDims)
		}
		return maskDims, nil
	case MaskTypeKeyPadding:
		if len(inputDims) != 4 || len(maskDims) != 2 ||
			maskDims[0] != inputDims[0] || maskDims[1] != inputDims[3] {
			return nil, errors.Errorf("a key-padding mask must have shape [batch, seqLen] for a rank-4 input, got mask %v for input %v",
				maskDims, inputDims)
		}
		return []int{maskDims[0], 1, 1, maskDims[1]}, nil
	case MaskTypeFull:
		if len(maskDims) != len(inputDims) {
			return nil, errors.Errorf("a full mask must have the same shape as the input, got mask %v for input %v",
				maskDims, inputDims)
		}
		for i, d := range maskDims {
			if d != inputDims[i] {
				return nil, errors.Errorf("a full mask must have the same shape as the input, got mask %v for input %v",
					maskDims, inputDims)
			}
		}
		return maskDims, nil
	}
	return nil, errors.Errorf("invalid mask type %d", maskType)
}

// MaskedSoftmax computes softmax(x) along axis, with positions where mask is
// true excluded: they contribute -Inf, so they get probability zero. A fully
// masked row yields NaN, there is no distribution over it.
//
// The mask must be a Bool tensor; its accepted shapes depend on maskType.
// When the reduction is contiguous and fits one scheduling group, the mask is
// applied inside the softmax kernel; otherwise a masked copy of x is
// materialized first.
func (e *Engine) MaskedSoftmax(x, mask *tensors.Tensor, axis int, maskType MaskType) (*tensors.Tensor, error) {
	const opName = "MaskedSoftmax"
	if x == nil || !x.Ok() || mask == nil || !mask.Ok() {
		return nil, errors.Errorf("%s: input tensors are nil or invalid", opName)
	}
	if mask.Shape().DType != dtypes.Bool {
		return nil, errors.Errorf("%s: mask must be a Bool tensor, got %s", opName, mask.Shape().DType)
	}
	shape := x.Shape()
	if !softmaxForwardTable.Supports(shape.DType) {
		return nil, errors.Errorf("%s: dtype %s is not supported, only float dtypes are", opName, shape.DType)
	}
	axis, err := wrapAxis(axis, shape.Rank())
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	viewDims, err := maskViewDims(shape.Dimensions, mask.Shape().Dimensions, maskType)
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	calc, err := newOffsetCalculator(shape.Dimensions, viewDims)
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	out := tensors.FromShape(shape.Clone())
	if shape.Size() == 0 {
		return out, nil
	}

	dims := dimsForAxis(shape.Dimensions, axis)
	if registerEligible(e.device, shape.DType.Size(), dims, true) {
		x.ConstFlatData(func(inFlat any) {
			mask.ConstFlatData(func(maskFlat any) {
				out.MutableFlatData(func(outFlat any) {
					args := &softmaxArgs{
						engine: e, dims: dims,
						in: inFlat, out: outFlat,
						mask: maskFlat.([]bool), maskCalc: calc,
					}
					softmaxForwardTable.Dispatch(shape.DType, args)
				})
			})
		})
		return out, nil
	}

	// Fallback: materialize x with masked positions at -Inf, then the plain
	// strategies apply.
	filled := tensors.FromShape(shape.Clone())
	x.ConstFlatData(func(inFlat any) {
		mask.ConstFlatData(func(maskFlat any) {
			filled.MutableFlatData(func(filledFlat any) {
				maskedFillTable.Dispatch(shape.DType, &maskedFillArgs{
					engine: e, in: inFlat, out: filledFlat,
					mask: maskFlat.([]bool), calc: calc,
					value: math.Inf(-1),
				})
			})
		})
	})
	defer filled.FinalizeAll()
	return e.Softmax(filled, axis)
}

// MaskedSoftmaxGrad computes the gradient of MaskedSoftmax: masked positions
// get zero gradient. Unlike the forward mask, the backward mask must have
// exactly the same shape as the gradients.
func (e *Engine) MaskedSoftmaxGrad(output, gradOutput, mask *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	const opName = "MaskedSoftmaxGrad"
	if output == nil || !output.Ok() || gradOutput == nil || !gradOutput.Ok() || mask == nil || !mask.Ok() {
		return nil, errors.Errorf("%s: input tensors are nil or invalid", opName)
	}
	if mask.Shape().DType != dtypes.Bool {
		return nil, errors.Errorf("%s: mask must be a Bool tensor, got %s", opName, mask.Shape().DType)
	}
	shape := output.Shape()
	if !shape.Equal(gradOutput.Shape()) {
		return nil, errors.Errorf("%s: output shape %s and gradOutput shape %s must match",
			opName, shape, gradOutput.Shape())
	}
	if !slices.Equal(shape.Dimensions, mask.Shape().Dimensions) {
		return nil, errors.Errorf("%s: mask shape %s must match the gradients shape %s",
			opName, mask.Shape(), shape)
	}
	if !softmaxBackwardTable.Supports(shape.DType) {
		return nil, errors.Errorf("%s: dtype %s is not supported, only float dtypes are", opName, shape.DType)
	}
	axis, err := wrapAxis(axis, shape.Rank())
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	calc, err := newOffsetCalculator(shape.Dimensions, mask.Shape().Dimensions)
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	gradInput := tensors.FromShape(shape.Clone())
	if shape.Size() == 0 {
		return gradInput, nil
	}

	dims := dimsForAxis(shape.Dimensions, axis)
	if registerEligible(e.device, shape.DType.Size(), dims, false) {
		output.ConstFlatData(func(outFlat any) {
			gradOutput.ConstFlatData(func(gradOutFlat any) {
				mask.ConstFlatData(func(maskFlat any) {
					gradInput.MutableFlatData(func(gradInFlat any) {
						args := &softmaxBackwardArgs{
							engine: e, dims: dims,
							output: outFlat, gradOutput: gradOutFlat, gradInput: gradInFlat,
							mask: maskFlat.([]bool), maskCalc: calc,
						}
						softmaxBackwardTable.Dispatch(shape.DType, args)
					})
				})
			})
		})
		return gradInput, nil
	}

	// Fallback: zero the masked positions of the forward output, the plain
	// backward then produces zero gradient for them.
	zeroed := tensors.FromShape(shape.Clone())
	output.ConstFlatData(func(outFlat any) {
		mask.ConstFlatData(func(maskFlat any) {
			zeroed.MutableFlatData(func(zeroedFlat any) {
				maskedFillTable.Dispatch(shape.DType, &maskedFillArgs{
					engine: e, in: outFlat, out: zeroedFlat,
					mask: maskFlat.([]bool), calc: calc,
					value: 0,
				})
			})
		})
	})
	defer zeroed.FinalizeAll()
	return e.SoftmaxGrad(zeroed, gradOutput, axis)
}
