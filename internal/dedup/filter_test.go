package dedup_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iggydv12/overlay/internal/dedup"
)

func TestCheckAndMark(t *testing.T) {
	f := dedup.New(0)
	assert.False(t, f.Seen("m1"))
	assert.True(t, f.CheckAndMark("m1"))
	assert.False(t, f.CheckAndMark("m1"))
	assert.True(t, f.Seen("m1"))

	f.MarkSeen("m2")
	assert.True(t, f.Seen("m2"))
	assert.Equal(t, 2, f.Len())
}

func TestUnboundedWindowNeverForgets(t *testing.T) {
	f := dedup.New(0)
	f.MarkSeen("m1")
	assert.Equal(t, 0, f.Sweep(time.Now().Add(24*time.Hour)))
	assert.True(t, f.Seen("m1"))
}

func TestSweepHonoursWindow(t *testing.T) {
	f := dedup.New(time.Minute)
	f.MarkSeen("old")

	// inside the window the id is still a duplicate
	assert.Equal(t, 0, f.Sweep(time.Now().Add(30*time.Second)))
	assert.False(t, f.CheckAndMark("old"))

	assert.Equal(t, 1, f.Sweep(time.Now().Add(2*time.Minute)))
	assert.False(t, f.Seen("old"))
}

func TestRunStopsWithContext(t *testing.T) {
	f := dedup.New(time.Millisecond)
	f.MarkSeen("m1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !f.Seen("m1") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentCheckAndMarkFiresOnce(t *testing.T) {
	f := dedup.New(time.Hour)
	var first atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if f.CheckAndMark(fmt.Sprintf("msg-%d", i)) {
					first.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1000, first.Load())
	assert.Equal(t, 1000, f.Len())
}
