// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package axisops

// groupReduce combines one partial value per lane into a single result, the
// way a scheduling group does it: a shift-down butterfly inside each subgroup
// of width simd, then a second butterfly over the per-subgroup results.
//
// lanes is clobbered. identity must be neutral for combine. The combination
// order is fixed by the lane layout, so results are deterministic for a given
// group size, independent of parallelism.
func groupReduce[A podFloatConstraints](lanes []A, simd int, identity A, combine func(a, b A) A) A {
	n := len(lanes)
	if n == 1 {
		return lanes[0]
	}

	// Butterfly within each subgroup. Ascending lane order keeps the
	// shift-down semantics: lanes[l+step] is still the pre-step value when
	// lanes[l] reads it.
	for sg := 0; sg < n; sg += simd {
		end := min(sg+simd, n)
		for step := 1; step < simd; step <<= 1 {
			for l := sg; l+step < end; l++ {
				lanes[l] = combine(lanes[l], lanes[l+step])
			}
		}
	}

	numSubgroups := ceilDiv(n, simd)
	if numSubgroups == 1 {
		return lanes[0]
	}

	// One subgroup folds the per-subgroup results: lane id starts from
	// partial id and accumulates partials id+simd, id+2*simd, ...
	vals := make([]A, simd)
	for id := 0; id < simd; id++ {
		v := identity
		if id < numSubgroups {
			v = lanes[id*simd]
			for i := id + simd; i < numSubgroups; i += simd {
				v = combine(v, lanes[i*simd])
			}
		}
		vals[id] = v
	}
	for step := 1; step < simd; step <<= 1 {
		for l := 0; l+step < simd; l++ {
			vals[l] = combine(vals[l], vals[l+step])
		}
	}
	return vals[0]
}

// groupReduceSpatial folds blockRow rows of width values each into row 0,
// halving the live rows on every step. scratch is row-major
// [blockRow][width] and is clobbered; on return scratch[:width] holds the
// per-column results.
func groupReduceSpatial[A podFloatConstraints](scratch []A, blockRow, width int, combine func(a, b A) A) {
	for k := 1; k < blockRow; k <<= 1 {
		for r := 0; r+k < blockRow; r += k << 1 {
			dst := scratch[r*width : (r+1)*width]
			src := scratch[(r+k)*width : (r+k+1)*width]
			for j, v := range src {
				dst[j] = combine(dst[j], v)
			}
		}
	}
}
