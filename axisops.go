// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package axisops implements axis-wise tensor operators for GoMLX tensors:
// indexed min/max reductions and the softmax family (softmax, log-softmax,
// their gradients, masked softmax and fused add+softmax).
//
// Operators run on the CPU, but they are organized the way wide-SIMD
// accelerators organize them: work is split into scheduling groups of
// cooperating lanes, each row of the reduced axis kept in per-lane
// register-like scratch when it fits, with group-wide reductions combining
// the per-lane partials. An execution plan (see launchPlan) picks between a
// register-resident strategy, a streaming strategy for long rows, and a
// spatial strategy for strided (inner > 1) reductions, based on DeviceParams.
//
// All operators work on the tensors package from github.com/gomlx/gomlx.
package axisops

import (
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvParallelism is the environment variable that overrides the number of
// scheduling groups run in parallel. 0 disables parallelism, -1 makes it
// unlimited. Defaults to the number of CPU cores.
const EnvParallelism = "AXISOPS_PARALLELISM"

// Engine executes axis-wise operators.
//
// It is safe for concurrent use: independent operator calls share only the
// worker pool and the scratch pools.
type Engine struct {
	workers      workersPool
	device       DeviceParams
	scratchPools sync.Map // scratchKey -> *sync.Pool
}

// New creates an Engine with the default device parameters.
// Parallelism is taken from AXISOPS_PARALLELISM if set, otherwise it defaults
// to the number of CPU cores.
func New() *Engine {
	return NewWithDevice(DefaultDeviceParams())
}

// NewWithDevice creates an Engine with explicit device parameters.
// Most users want New; this is for tests and for tuning to unusual hosts.
func NewWithDevice(device DeviceParams) *Engine {
	e := &Engine{device: device}
	parallelism := defaultMaxParallelism()
	if envValue := os.Getenv(EnvParallelism); envValue != "" {
		v, err := strconv.Atoi(envValue)
		if err != nil {
			klog.Errorf("Invalid $%s=%q, it must be an integer (-1 for unlimited): %v", EnvParallelism, envValue, err)
		} else {
			parallelism = v
		}
	}
	e.workers.Initialize(parallelism)
	klog.V(1).Infof("axisops: engine created, parallelism=%d, device=%+v", parallelism, device)
	return e
}

// SetMaxParallelism changes how many scheduling groups run in parallel.
// 0 disables parallelism, -1 makes it unlimited.
// Do not change it while operators are running.
func (e *Engine) SetMaxParallelism(n int) {
	e.workers.SetMaxParallelism(n)
}

// wrapAxis normalizes a possibly negative axis and checks it is in range for
// the given rank. Scalars are treated as rank 1.
func wrapAxis(axis, rank int) (int, error) {
	if rank == 0 {
		rank = 1
	}
	wrapped := axis
	if wrapped < 0 {
		wrapped += rank
	}
	if wrapped < 0 || wrapped >= rank {
		return 0, errors.Errorf("axis %d is out of range for rank %d", axis, rank)
	}
	return wrapped, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
