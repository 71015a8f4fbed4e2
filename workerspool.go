// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

import (
	"runtime"
	"sync"
)

// workersPool bounds the number of goroutines used to run scheduling groups.
type workersPool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// The actual number of goroutines can be higher, because of waits and such.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// Initialize must be called before use.
// maxParallelism == 0 disables parallelism, < 0 makes it unlimited.
func (w *workersPool) Initialize(maxParallelism int) {
	w.maxParallelism = maxParallelism
	w.cond = sync.Cond{L: &w.mu}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *workersPool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *workersPool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft target for parallelism (the limit of goroutines is higher than this).
func (w *workersPool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism changes the parallelism target.
//
// Only change the parallelism while no groups are running, otherwise the
// behavior is undefined.
func (w *workersPool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *workersPool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism
}

// WaitToStart waits until there is a worker available and then runs the task
// in its own goroutine.
//
// If parallelism is disabled, it runs the task inline and returns when it is
// finished.
func (w *workersPool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// defaultMaxParallelism returns the parallelism used when none is configured.
func defaultMaxParallelism() int {
	return runtime.NumCPU()
}

// minGroupsToParallelize: launching goroutines for fewer groups than this
// costs more than it saves.
const minGroupsToParallelize = 2

// runGroups executes fn once per scheduling group, distributing groups over
// the worker pool. It returns only after every group finished. Group order is
// not defined; fn must not assume any.
func (e *Engine) runGroups(numGroups int, fn func(group int)) {
	if !e.workers.IsEnabled() || numGroups < minGroupsToParallelize {
		for group := 0; group < numGroups; group++ {
			fn(group)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(numGroups)
	for group := 0; group < numGroups; group++ {
		e.workers.WaitToStart(func() {
			defer wg.Done()
			fn(group)
		})
	}
	wg.Wait()
}

// runGroups2D executes fn for every (row, col) pair of a two-dimensional
// group grid, parallelizing over the flattened grid.
func (e *Engine) runGroups2D(numRows, numCols int, fn func(row, col int)) {
	e.runGroups(numRows*numCols, func(group int) {
		fn(group/numCols, group%numCols)
	})
}
