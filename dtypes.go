// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// FuncForDispatcher is the type of functions a DTypeDispatcher can handle.
// Arguments are packed as `...any` and unpacked by the registered generic instance.
type FuncForDispatcher func(params ...any)

const maxDTypes = 32

// DTypeDispatcher maps a dtype to the generic function instance that handles it.
// Tables are filled during initialization (`init` functions) and are read-only afterwards.
type DTypeDispatcher struct {
	Name  string
	fnMap [maxDTypes]FuncForDispatcher
}

// NewDTypeDispatcher creates a new dispatcher for a class of functions.
func NewDTypeDispatcher(name string) *DTypeDispatcher {
	return &DTypeDispatcher{Name: name}
}

// Register a function to handle a specific dtype.
// This overwrites any previous setting for the same dtype.
func (d *DTypeDispatcher) Register(dtype dtypes.DType, fn FuncForDispatcher) {
	if dtype < 0 || dtype >= maxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	d.fnMap[dtype] = fn
}

// Supports returns whether a function was registered for the given dtype.
func (d *DTypeDispatcher) Supports(dtype dtypes.DType) bool {
	return dtype >= 0 && dtype < maxDTypes && d.fnMap[dtype] != nil
}

// Dispatch calls the function registered for the dtype.
// Dispatching an unregistered dtype is a programming error: callers must check
// Supports beforehand, so this panics.
func (d *DTypeDispatcher) Dispatch(dtype dtypes.DType, params ...any) {
	if !d.Supports(dtype) {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	d.fnMap[dtype](params...)
}

// supportedConstraints enumerates the storage types the kernels know about.
type supportedConstraints interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// podNumericConstraints are the Go plain-old-data numeric types.
type podNumericConstraints interface {
	constraints.Integer | constraints.Float
}

// podFloatConstraints are the native float types, used as accumulation types.
type podFloatConstraints interface {
	float32 | float64
}

// access converts between a storage type T and its accumulation type A.
// Accumulation runs in A, which is at least as wide as T: float32 for
// Float16/BFloat16/Float32 storage, float64 for Float64.
type access[T any, A podFloatConstraints] struct {
	toAcc   func(T) A
	fromAcc func(A) T
}

var (
	accessF32 = access[float32, float32]{
		toAcc:   func(v float32) float32 { return v },
		fromAcc: func(v float32) float32 { return v },
	}
	accessF64 = access[float64, float64]{
		toAcc:   func(v float64) float64 { return v },
		fromAcc: func(v float64) float64 { return v },
	}
	accessF16 = access[float16.Float16, float32]{
		toAcc:   float16.Float16.Float32,
		fromAcc: float16.Fromfloat32,
	}
	accessBF16 = access[bfloat16.BFloat16, float32]{
		toAcc:   bfloat16.BFloat16.Float32,
		fromAcc: bfloat16.FromFloat32,
	}
)
