// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	const maxParallelism = 3
	pool.SetMaxParallelism(maxParallelism)
	require.True(t, pool.IsEnabled())
	require.False(t, pool.IsUnlimited())

	var (
		running, peak atomic.Int32
		wg            sync.WaitGroup
	)
	const numTasks = 20
	wg.Add(numTasks)
	for range numTasks {
		pool.WaitToStart(func() {
			defer wg.Done()
			current := running.Add(1)
			for {
				old := peak.Load()
				if current <= old || peak.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, int(peak.Load()), maxParallelism)
	assert.GreaterOrEqual(t, int(peak.Load()), 1)
}

func TestPool_NoParallelism(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	assert.False(t, pool.IsEnabled())

	// Tasks run inline.
	count := 0
	for range 5 {
		pool.WaitToStart(func() { count++ })
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, 0, pool.NumRunning())
}

func TestPool_Unlimited(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(-1)
	assert.True(t, pool.IsUnlimited())

	// All tasks must be started before any of them is released.
	const numTasks = 10
	var started sync.WaitGroup
	release := make(chan struct{})
	var finished sync.WaitGroup
	started.Add(numTasks)
	finished.Add(numTasks)
	for range numTasks {
		pool.WaitToStart(func() {
			defer finished.Done()
			started.Done()
			<-release
		})
	}
	started.Wait()
	close(release)
	finished.Wait()
}
