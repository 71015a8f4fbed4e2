// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"math"
	"unsafe"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// softmaxArgs carries one forward call through the dtype dispatcher.
// in/out hold the flat data slices ([]T for the dispatched dtype).
type softmaxArgs struct {
	engine  *Engine
	dims    axisDims
	plan    launchPlan
	logMode bool

	in, out any

	// Fused add: out = softmax(in + alpha*other). other is nil when not fused.
	other     any
	otherCalc *offsetCalculator
	alpha     float64

	// Masked: lanes where mask is true contribute -Inf. mask is nil when not
	// masked.
	mask     []bool
	maskCalc *offsetCalculator
}

var (
	softmaxForwardTable  = NewDTypeDispatcher("softmax.forward")
	softmaxBackwardTable = NewDTypeDispatcher("softmax.backward")
)

func init() {
	registerSoftmaxKernels[float32](dtypes.Float32, accessF32)
	registerSoftmaxKernels[float64](dtypes.Float64, accessF64)
	registerSoftmaxKernels[float16.Float16](dtypes.Float16, accessF16)
	registerSoftmaxKernels[bfloat16.BFloat16](dtypes.BFloat16, accessBF16)
}

func registerSoftmaxKernels[T any, A podFloatConstraints](dtype dtypes.DType, acc access[T, A]) {
	softmaxForwardTable.Register(dtype, func(params ...any) {
		softmaxForwardExec[T](acc, params[0].(*softmaxArgs))
	})
	softmaxBackwardTable.Register(dtype, func(params ...any) {
		softmaxBackwardExec[T](acc, params[0].(*softmaxBackwardArgs))
	})
}

// Softmax computes softmax(x) along axis. The axis may be negative, counting
// from the end. Accumulation runs in float32 for 16- and 32-bit floats and in
// float64 for Float64.
func (e *Engine) Softmax(x *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	return e.softmaxForward(x, axis, false)
}

// LogSoftmax computes log(softmax(x)) along axis, fused for stability:
// x - max - log(sum(exp(x - max))).
func (e *Engine) LogSoftmax(x *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	return e.softmaxForward(x, axis, true)
}

func (e *Engine) softmaxForward(x *tensors.Tensor, axis int, logMode bool) (*tensors.Tensor, error) {
	opName := "Softmax"
	if logMode {
		opName = "LogSoftmax"
	}
	if x == nil || !x.Ok() {
		return nil, errors.Errorf("%s: input tensor is nil or invalid", opName)
	}
	shape := x.Shape()
	if !softmaxForwardTable.Supports(shape.DType) {
		return nil, errors.Errorf("%s: dtype %s is not supported, only float dtypes are", opName, shape.DType)
	}
	axis, err := wrapAxis(axis, shape.Rank())
	if err != nil {
		return nil, errors.WithMessage(err, opName)
	}
	out := tensors.FromShape(shape.Clone())
	if shape.Size() == 0 {
		return out, nil
	}
	dims := dimsForAxis(shape.Dimensions, axis)
	x.ConstFlatData(func(inFlat any) {
		out.MutableFlatData(func(outFlat any) {
			args := &softmaxArgs{engine: e, dims: dims, logMode: logMode, in: inFlat, out: outFlat}
			softmaxForwardTable.Dispatch(shape.DType, args)
		})
	})
	return out, nil
}

// Small accumulator helpers: math only works on float64, so narrower
// accumulators round-trip through it, same as everywhere else in gomlx.

func maxOf[A podFloatConstraints](a, b A) A {
	if a > b {
		return a
	}
	return b
}

func addOf[A podFloatConstraints](a, b A) A { return a + b }

func expOf[A podFloatConstraints](v A) A { return A(math.Exp(float64(v))) }

func logOf[A podFloatConstraints](v A) A { return A(math.Log(float64(v))) }

func softmaxForwardExec[T any, A podFloatConstraints](acc access[T, A], args *softmaxArgs) {
	in := args.in.([]T)
	out := args.out.([]T)
	var other []T
	if args.other != nil {
		other = args.other.([]T)
	}
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	starts := []int{alignOffset(in, 0), alignOffset(out, 0)}
	if other != nil {
		starts = append(starts, alignOffset(other, 0))
	}
	args.plan = planSoftmax(args.engine.device, elemSize, args.dims, starts, true)
	if klog.V(2).Enabled() {
		klog.Infof("axisops: softmax(log=%v) dims=%+v plan=%+v", args.logMode, args.dims, args.plan)
	}
	switch args.plan.strategy {
	case StrategyRegister:
		softmaxForwardRegister(acc, args, in, out, other)
	case StrategyStreaming:
		softmaxForwardStreaming(acc, args, in, out)
	default:
		softmaxForwardSpatial(acc, args, in, out)
	}
}

// softmaxForwardRegister is the single-pass-over-memory strategy: each row is
// loaded once into per-lane scratch, reduced twice group-wide (max, then sum
// of exp) and written back. Masking and the fused add happen at load time.
func softmaxForwardRegister[T any, A podFloatConstraints](acc access[T, A], args *softmaxArgs, in, out, other []T) {
	dims, plan, e := args.dims, args.plan, args.engine
	alpha := A(args.alpha)
	negInf := A(math.Inf(-1))
	localStride := plan.groupSize * plan.vecWidth
	e.runGroups(plan.groupRows, func(group int) {
		regs, relRegs := getScratch[A](e, dims.dim)
		lanes, relLanes := getScratch[A](e, plan.groupSize)
		defer relRegs()
		defer relLanes()
		for r := 0; r < plan.rowsPerGroup; r++ {
			row := group*plan.rowsPerGroup + r
			if row >= dims.outer {
				break
			}
			rowOff := row * dims.dim

			// Pass over lanes: load (+add, +mask) into scratch, per-lane max.
			for lane := 0; lane < plan.groupSize; lane++ {
				m := negInf
				for i := 0; i < plan.outerLoop; i++ {
					base := i*localStride + lane*plan.vecWidth
					if base >= dims.dim {
						break
					}
					for j := 0; j < plan.vecWidth && base+j < dims.dim; j++ {
						idx := base + j
						v := acc.toAcc(in[rowOff+idx])
						if other != nil {
							v += alpha * acc.toAcc(other[args.otherCalc.offset(rowOff+idx)])
						}
						if args.mask != nil && args.mask[args.maskCalc.offset(rowOff+idx)] {
							v = negInf
						}
						regs[idx] = v
						m = maxOf(m, v)
					}
				}
				lanes[lane] = m
			}
			maxValue := groupReduce(lanes, plan.subgroupWidth, negInf, maxOf)

			for lane := 0; lane < plan.groupSize; lane++ {
				s := A(0)
				for i := 0; i < plan.outerLoop; i++ {
					base := i*localStride + lane*plan.vecWidth
					if base >= dims.dim {
						break
					}
					for j := 0; j < plan.vecWidth && base+j < dims.dim; j++ {
						s += expOf(regs[base+j] - maxValue)
					}
				}
				lanes[lane] = s
			}
			sumValue := groupReduce(lanes, plan.subgroupWidth, 0, addOf)

			var logSum, invSum A
			if args.logMode {
				logSum = logOf(sumValue)
			} else if sumValue != 0 {
				invSum = 1 / sumValue
			}
			for lane := 0; lane < plan.groupSize; lane++ {
				for i := 0; i < plan.outerLoop; i++ {
					base := i*localStride + lane*plan.vecWidth
					if base >= dims.dim {
						break
					}
					for j := 0; j < plan.vecWidth && base+j < dims.dim; j++ {
						idx := base + j
						switch {
						case args.logMode:
							out[rowOff+idx] = acc.fromAcc(regs[idx] - maxValue - logSum)
						case sumValue == 0:
							// A fully -Inf row (e.g. fully masked) has no
							// distribution: plain softmax yields NaN.
							out[rowOff+idx] = acc.fromAcc(A(math.NaN()))
						default:
							out[rowOff+idx] = acc.fromAcc(expOf(regs[idx]-maxValue) * invSum)
						}
					}
				}
			}
		}
	})
}

// softmaxForwardStreaming handles inner == 1 rows too long for the register
// strategy: three passes over memory, with the row start alignment folded
// into the lane indexing so the vectorized body stays transaction aligned.
func softmaxForwardStreaming[T any, A podFloatConstraints](acc access[T, A], args *softmaxArgs, in, out []T) {
	dims, plan, e := args.dims, args.plan, args.engine
	vec := plan.vecWidth
	negInf := A(math.Inf(-1))
	e.runGroups(dims.outer, func(row int) {
		rowOff := row * dims.dim
		start := alignOffset(in, rowOff)
		loops := ceilDiv(dims.dim+start, vec)
		lanes, relLanes := getScratch[A](e, plan.groupSize)
		defer relLanes()

		for lane := 0; lane < plan.groupSize; lane++ {
			m := negInf
			for i := lane; i < loops; i += plan.groupSize {
				for j := 0; j < vec; j++ {
					linear := i*vec + j - start
					if linear < 0 || linear >= dims.dim {
						continue
					}
					m = maxOf(m, acc.toAcc(in[rowOff+linear]))
				}
			}
			lanes[lane] = m
		}
		maxValue := groupReduce(lanes, plan.subgroupWidth, negInf, maxOf)

		for lane := 0; lane < plan.groupSize; lane++ {
			s := A(0)
			for i := lane; i < loops; i += plan.groupSize {
				for j := 0; j < vec; j++ {
					linear := i*vec + j - start
					if linear < 0 || linear >= dims.dim {
						continue
					}
					s += expOf(acc.toAcc(in[rowOff+linear]) - maxValue)
				}
			}
			lanes[lane] = s
		}
		sumValue := groupReduce(lanes, plan.subgroupWidth, 0, addOf)

		var logSum, invSum A
		if args.logMode {
			logSum = logOf(sumValue)
		} else {
			invSum = 1 / sumValue
		}
		for lane := 0; lane < plan.groupSize; lane++ {
			for i := lane; i < loops; i += plan.groupSize {
				for j := 0; j < vec; j++ {
					linear := i*vec + j - start
					if linear < 0 || linear >= dims.dim {
						continue
					}
					if args.logMode {
						out[rowOff+linear] = acc.fromAcc(acc.toAcc(in[rowOff+linear]) - maxValue - logSum)
					} else {
						out[rowOff+linear] = acc.fromAcc(expOf(acc.toAcc(in[rowOff+linear])-maxValue) * invSum)
					}
				}
			}
		}
	})
}

// softmaxForwardSpatial handles strided reductions (inner > 1): each group
// owns a window of inner columns, blockRow row-workers stride the reduced
// axis and a tree reduction folds their per-column partials.
func softmaxForwardSpatial[T any, A podFloatConstraints](acc access[T, A], args *softmaxArgs, in, out []T) {
	dims, plan, e := args.dims, args.plan, args.engine
	vec := plan.vecWidth
	width := plan.groupSize * vec
	negInf := A(math.Inf(-1))
	e.runGroups2D(dims.outer, plan.groupNum, func(row, group int) {
		scratch, relScratch := getScratch[A](e, plan.blockRow*width)
		maxValues, relMax := getScratch[A](e, width)
		defer relScratch()
		defer relMax()
		rowBase := row * dims.dim * dims.inner
		baseCol := group * width

		for r := 0; r < plan.blockRow; r++ {
			dst := scratch[r*width : (r+1)*width]
			for c := 0; c < width; c++ {
				m := negInf
				if col := baseCol + c; col < dims.inner {
					for d := r; d < dims.dim; d += plan.blockRow {
						m = maxOf(m, acc.toAcc(in[rowBase+d*dims.inner+col]))
					}
				}
				dst[c] = m
			}
		}
		groupReduceSpatial(scratch, plan.blockRow, width, maxOf)
		copy(maxValues, scratch[:width])

		for r := 0; r < plan.blockRow; r++ {
			dst := scratch[r*width : (r+1)*width]
			for c := 0; c < width; c++ {
				s := A(0)
				if col := baseCol + c; col < dims.inner {
					for d := r; d < dims.dim; d += plan.blockRow {
						s += expOf(acc.toAcc(in[rowBase+d*dims.inner+col]) - maxValues[c])
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
			maxValue, sumValue := maxValues[c], scratch[c]
			if args.logMode {
				logSum := logOf(sumValue)
				for r := 0; r < plan.blockRow; r++ {
					for d := r; d < dims.dim; d += plan.blockRow {
						idx := rowBase + d*dims.inner + col
						out[idx] = acc.fromAcc(acc.toAcc(in[idx]) - maxValue - logSum)
					}
				}
			} else {
				invSum := 1 / sumValue
				for r := 0; r < plan.blockRow; r++ {
					for d := r; d < dims.dim; d += plan.blockRow {
						idx := rowBase + d*dims.inner + col
						out[idx] = acc.fromAcc(expOf(acc.toAcc(in[idx])-maxValue) * invSum)
					}
				}
			}
		}
	})
}
