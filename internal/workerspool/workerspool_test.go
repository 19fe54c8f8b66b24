// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ForEach(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)

	var running, maxRunning atomic.Int32
	results := make([]int, 20)
	pool.ForEach(len(results), func(i int) {
		current := running.Add(1)
		for {
			seen := maxRunning.Load()
			if current <= seen || maxRunning.CompareAndSwap(seen, current) {
				break
			}
		}
		runtime.Gosched()
		results[i] = i * i
		running.Add(-1)
	})
	for i, result := range results {
		assert.Equal(t, i*i, result)
	}
	assert.LessOrEqual(t, int(maxRunning.Load()), 3)
	assert.Zero(t, running.Load())

	// No parallelism: tasks run inline, in order.
	pool.SetMaxParallelism(0)
	var order []int
	pool.ForEach(4, func(i int) { order = append(order, i) })
	assert.Equal(t, []int{0, 1, 2, 3}, order)

	// Unlimited.
	pool.SetMaxParallelism(-1)
	var count atomic.Int32
	for range 10 {
		pool.WaitToStart(func() { count.Add(1) })
	}
	pool.Wait()
	assert.Equal(t, int32(10), count.Load())
}
