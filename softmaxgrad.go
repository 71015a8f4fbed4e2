// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"unsafe"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// softmaxBackwardArgs carries one backward call through the dtype dispatcher.
type softmaxBackwardArgs struct {
	engine  *Engine
	dims    axisDims
	plan    launchPlan
	logMode bool

	output     any // forward result ([]T)
	gradOutput any
	gradInput  any

	// Masked: the output term is zeroed where mask is true, so masked lanes
	// get zero gradient. nil when not masked.
	mask     []bool
	maskCalc *offsetCalculator
}

// SoftmaxGrad computes the gradient of Softmax with respect to its input:
// gradInput = output * (gradOutput - sum(output*gradOutput)), the sum taken
// along axis. output must be the forward result.
func (e *Engine) SoftmaxGrad(output, gradOutput *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	return e.softmaxBackward(output, gradOutput, axis, false)
}

// LogSoftmaxGrad computes the gradient of LogSoftmax with respect to its
// input: gradInput = gradOutput - exp(output) * sum(gradOutput), the sum
// taken along axis. output must be the forward result.
func (e *Engine) LogSoftmaxGrad(output, gradOutput *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	return e.softmaxBackward(output, gradOutput, axis, true)
}

func (e *Engine) softmaxBackward(output, gradOutput *tensors.Tensor, axis int, logMode bool) (*tensors.Tensor, error) {
	opName := "SoftmaxGrad"
	if logMode {
		opName = "LogSoftmaxGrad"
	}
	if output == nil || !output.Ok() || gradOutput == nil || !gradOutput.Ok() {
		return nil, errors.Errorf("%s: input tensors are nil or invalid", opName)
	}
	shape := output.Shape()
	if !shape.Equal(gradOutput.Shape()) {
		return nil, errors.Errorf("%s: output shape %s and gradOutput shape %s must match",
			opName, shape, gradOutput.Shape())
	}
	if !softmaxBackwardTable.Supports(shape.DType) {
		return nil, errors.Errorf("%s: dtype %s is not supported, only float dtypes are", opName, shape.DType)
	}
	axis, err := wrapAxis(axis, shape.Rank())
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	gradInput := tensors.FromShape(shape.Clone())
	if shape.Size() == 0 {
		return gradInput, nil
	}
	dims := dimsForAxis(shape.Dimensions, axis)
	output.ConstFlatData(func(outFlat any) {
		gradOutput.ConstFlatData(func(gradOutFlat any) {
			gradInput.MutableFlatData(func(gradInFlat any) {
				args := &softmaxBackwardArgs{
					engine: e, dims: dims, logMode: logMode,
					output: outFlat, gradOutput: gradOutFlat, gradInput: gradInFlat,
				}
				softmaxBackwardTable.Dispatch(shape.DType, args)
			})
		})
	})
	return gradInput, nil
}

func softmaxBackwardExec[T any, A podFloatConstraints](acc access[T, A], args *softmaxBackwardArgs) {
	output := args.output.([]T)
	gradOutput := args.gradOutput.([]T)
	gradInput := args.gradInput.([]T)
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	starts := []int{alignOffset(gradOutput, 0), alignOffset(output, 0), alignOffset(gradInput, 0)}
	args.plan = planSoftmax(args.engine.device, elemSize, args.dims, starts, false)
	switch args.plan.strategy {
	case StrategyRegister:
		softmaxBackwardRegister(acc, args, output, gradOutput, gradInput)
	case StrategyStreaming:
		softmaxBackwardStreaming(acc, args, output, gradOutput, gradInput)
	default:
		softmaxBackwardSpatial(acc, args, output, gradOutput, gradInput)
	}
}

// softmaxBackwardRegister: both operands of a row live in per-lane scratch,
// one group-wide sum, one write pass.
func softmaxBackwardRegister[T any, A podFloatConstraints](acc access[T, A], args *softmaxBackwardArgs, output, gradOutput, gradInput []T) {
	dims, plan, e := args.dims, args.plan, args.engine
	localStride := plan.groupSize * plan.vecWidth
	e.runGroups(plan.groupRows, func(group int) {
		regsOut, relOut := getScratch[A](e, dims.dim)
		regsGrad, relGrad := getScratch[A](e, dims.dim)
		lanes, relLanes := getScratch[A](e, plan.groupSize)
		defer relOut()
		defer relGrad()
		defer relLanes()
		for r := 0; r < plan.rowsPerGroup; r++ {
			row := group*plan.rowsPerGroup + r
			if row >= dims.outer {
				break
			}
			rowOff := row * dims.dim

			for lane := 0; lane < plan.groupSize; lane++ {
				s := A(0)
				for i := 0; i < plan.outerLoop; i++ {
					base := i*localStride + lane*plan.vecWidth
					if base >= dims.dim {
						break
					}
					for j := 0; j < plan.vecWidth && base+j < dims.dim; j++ {
						idx := base + j
						ov := acc.toAcc(output[rowOff+idx])
						if args.mask != nil && args.mask[args.maskCalc.offset(rowOff+idx)] {
							ov = 0
						}
						og := acc.toAcc(gradOutput[rowOff+idx])
						regsOut[idx] = ov
						regsGrad[idx] = og
						if args.logMode {
							s += og
						} else {
							s += ov * og
						}
					}
				}
				lanes[lane] = s
			}
			sumValue := groupReduce(lanes, plan.subgroupWidth, 0, addOf)

			for lane := 0; lane < plan.groupSize; lane++ {
				for i := 0; i < plan.outerLoop; i++ {
					base := i*localStride + lane*plan.vecWidth
					if base >= dims.dim {
						break
					}
					for j := 0; j < plan.vecWidth && base+j < dims.dim; j++ {
						idx := base + j
						if args.logMode {
							gradInput[rowOff+idx] = acc.fromAcc(regsGrad[idx] - expOf(regsOut[idx])*sumValue)
						} else {
							gradInput[rowOff+idx] = acc.fromAcc(regsOut[idx] * (regsGrad[idx] - sumValue))
						}
					}
				}
			}
		}
	})
}

// softmaxBackwardStreaming: long rows, two passes over memory.
func softmaxBackwardStreaming[T any, A podFloatConstraints](acc access[T, A], args *softmaxBackwardArgs, output, gradOutput, gradInput []T) {
	dims, plan, e := args.dims, args.plan, args.engine
	vec := plan.vecWidth
	e.runGroups(dims.outer, func(row int) {
		rowOff := row * dims.dim
		start := alignOffset(gradOutput, rowOff)
		loops := ceilDiv(dims.dim+start, vec)
		lanes, relLanes := getScratch[A](e, plan.groupSize)
		defer relLanes()

		for lane := 0; lane < plan.groupSize; lane++ {
			s := A(0)
			for i := lane; i < loops; i += plan.groupSize {
				for j := 0; j < vec; j++ {
					linear := i*vec + j - start
					if linear < 0 || linear >= dims.dim {
						continue
					}
					if args.logMode {
						s += acc.toAcc(gradOutput[rowOff+linear])
					} else {
						s += acc.toAcc(output[rowOff+linear]) * acc.toAcc(gradOutput[rowOff+linear])
					}
				}
			}
			lanes[lane] = s
		}
		sumValue := groupReduce(lanes, plan.subgroupWidth, 0, addOf)

		for lane := 0; lane < plan.groupSize; lane++ {
			for i := lane; i < loops; i += plan.groupSize {
				for j := 0; j < vec; j++ {
					linear := i*vec + j - start
					if linear < 0 || linear >= dims.dim {
						continue
					}
					idx := rowOff + linear
					if args.logMode {
						gradInput[idx] = acc.fromAcc(acc.toAcc(gradOutput[idx]) - expOf(acc.toAcc(output[idx]))*sumValue)
					} else {
						gradInput[idx] = acc.fromAcc(acc.toAcc(output[idx]) * (acc.toAcc(gradOutput[idx]) - sumValue))
					}
				}
			}
		}
	})
}

// softmaxBackwardSpatial: strided reductions, per-column sums folded by a
// tree over blockRow row-workers.
func softmaxBackwardSpatial[T any, A podFloatConstraints](acc access[T, A], args *softmaxBackwardArgs, output, gradOutput, gradInput []T) {
	dims, plan, e := args.dims, args.plan, args.engine
	vec := plan.vecWidth
	width := plan.groupSize * vec
	e.runGroups2D(dims.outer, plan.groupNum, func(row, group int) {
		scratch, relScratch := getScratch[A](e, plan.blockRow*width)
		defer relScratch()
		rowBase := row * dims.dim * dims.inner
		baseCol := group * width

		for r := 0; r < plan.blockRow; r++ {
			dst := scratch[r*width : (r+1)*width]
			for c := 0; c < width; c++ {
				s := A(0)
				if col := baseCol + c; col < dims.inner {
					for d := r; d < dims.dim; d += plan.blockRow {
						idx := rowBase + d*dims.inner + col
						if args.logMode {
							s += acc.toAcc(gradOutput[idx])
						} else {
							s += acc.toAcc(output[idx]) * acc.toAcc(gradOutput[idx])
						}
					}
				}
				dst[c] = s
			}
		}
		groupReduceSpatial(scratch, plan.blockRow, width, addOf)

		for c := 0; c < width; c++ {
			col := baseCol + c
			if col >= dims.inner {
				break
			}
			sumValue := scratch[c]
			for r := 0; r < plan.blockRow; r++ {
				for d := r; d < dims.dim; d += plan.blockRow {
					idx := rowBase + d*dims.inner + col
					if args.logMode {
						gradInput[idx] = acc.fromAcc(acc.toAcc(gradOutput[idx]) - expOf(acc.toAcc(output[idx]))*sumValue)
					} else {
						gradInput[idx] = acc.fromAcc(acc.toAcc(output[idx]) * (acc.toAcc(gradOutput[idx]) - sumValue))
					}
				}
			}
		}
	})
}
