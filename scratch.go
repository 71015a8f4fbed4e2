// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"sync"
	"unsafe"
)

// scratchKey identifies a pool of scratch slices: element width in bytes and
// number of elements.
type scratchKey struct {
	elemSize int
	length   int
}

// getScratch returns a scratch slice of length n from the engine pools, along
// with a release function that returns it to the pool. The slice contents are
// not zeroed.
func getScratch[A podFloatConstraints](e *Engine, n int) ([]A, func()) {
	var zero A
	key := scratchKey{elemSize: int(unsafe.Sizeof(zero)), length: n}
	poolAny, ok := e.scratchPools.Load(key)
	if !ok {
		poolAny, _ = e.scratchPools.LoadOrStore(key, &sync.Pool{
			New: func() any { return make([]A, n) },
		})
	}
	pool := poolAny.(*sync.Pool)
	s := pool.Get().([]A)
	return s, func() { pool.Put(s) }
}

// alignOffset returns how many elements past a transaction boundary the
// element flat[at] sits. A return of 0 means transaction-aligned.
func alignOffset[T any](flat []T, at int) int {
	if len(flat) == 0 {
		return 0
	}
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	addr := uintptr(unsafe.Pointer(&flat[0])) + uintptr(at*elemSize)
	return int(addr%transactionBytes) / elemSize
}
