package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRefusesOverCap(t *testing.T) {
	b := New(100)

	r1, ok := b.TryAcquire(60, "run-buffer")
	require.True(t, ok)
	require.NotNil(t, r1)

	r2, ok := b.TryAcquire(50, "run-buffer")
	assert.False(t, ok)
	assert.Nil(t, r2)

	assert.Equal(t, int64(60), b.Used())

	r1.Release()
	assert.Equal(t, int64(0), b.Used())

	r3, ok := b.TryAcquire(50, "run-buffer")
	require.True(t, ok)
	r3.Release()
}

func TestPeakTracksHighWaterMark(t *testing.T) {
	b := New(1000)

	r1, ok := b.TryAcquire(400, "a")
	require.True(t, ok)
	r2, ok := b.TryAcquire(300, "b")
	require.True(t, ok)
	assert.Equal(t, int64(700), b.Peak())

	r1.Release()
	assert.Equal(t, int64(700), b.Peak(), "peak must not decrease on release")

	r2.Release()
	assert.Equal(t, int64(0), b.Used())
	assert.Equal(t, int64(700), b.Peak())
}

func TestDoubleReleasePanics(t *testing.T) {
	b := New(100)
	r, ok := b.TryAcquire(10, "tag")
	require.True(t, ok)

	r.Release()
	assert.Panics(t, func() { r.Release() })
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	b := New(1 << 20)
	const goroutines = 32
	const perGoroutine = 1 << 12

	done := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 64; j++ {
				r, ok := b.TryAcquire(perGoroutine, "worker")
				if !ok {
					continue
				}
				assert.LessOrEqual(t, b.Used(), b.Cap())
				r.Release()
			}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
	assert.Equal(t, int64(0), b.Used())
}
