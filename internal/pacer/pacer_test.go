package pacer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStep(t *testing.T) {
	tests := []struct {
		remaining, divisor, want int
	}{
		{0, 10, 0},
		{-3, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{500, 10, 50},
		{7, 0, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Step(tt.remaining, tt.divisor), "Step(%d, %d)", tt.remaining, tt.divisor)
	}
}

// tickBound is the predicted worst case: geometric drain while remaining > K,
// then at most K single-character ticks.
func tickBound(length, divisor int) int {
	if length <= divisor {
		return length
	}
	k := float64(divisor)
	return int(math.Ceil(math.Log(float64(length)/k)/math.Log(k/(k-1)))) + divisor
}

func TestBufferConvergence(t *testing.T) {
	tests := []struct {
		length    int
		wantTicks int
	}{
		{0, 0},
		{1, 1},
		{37, 20},
		{500, 43},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("length_%d", tt.length), func(t *testing.T) {
			b := NewBuffer(DefaultDivisor)
			b.SetTarget(strings.Repeat("a", tt.length))

			ticks := 0
			prev := 0
			for !b.Done() {
				require.True(t, b.Tick())
				ticks++
				require.GreaterOrEqual(t, b.RevealedLen(), 0)
				require.LessOrEqual(t, b.RevealedLen(), b.TargetLen())
				require.Greater(t, b.RevealedLen(), prev)
				prev = b.RevealedLen()
				require.Less(t, ticks, 10*tt.length+1, "no convergence")
			}

			assert.Equal(t, tt.wantTicks, ticks)
			assert.LessOrEqual(t, ticks, tickBound(tt.length, DefaultDivisor))
			assert.False(t, b.Tick(), "caught-up buffer must not advance")
		})
	}
}

func TestBufferSnapsDownOnShrink(t *testing.T) {
	b := NewBuffer(DefaultDivisor)
	b.SetTarget("Photosynthesis is...")
	for !b.Done() {
		b.Tick()
	}

	b.SetTarget("Ne")
	assert.Equal(t, 2, b.RevealedLen())
	assert.Equal(t, "Ne", b.Revealed())
	assert.True(t, b.Done())

	b.SetTarget("")
	assert.Equal(t, 0, b.RevealedLen())
}

func TestBufferGrowthKeepsRevealedPrefix(t *testing.T) {
	b := NewBuffer(DefaultDivisor)
	b.SetTarget("Photo")
	b.Tick()
	before := b.Revealed()

	b.SetTarget("Photosynthesis is...")
	assert.Equal(t, before, b.Revealed())
	assert.False(t, b.Done())
}

func TestBufferRunes(t *testing.T) {
	b := NewBuffer(DefaultDivisor)
	b.SetTarget("光合作用")
	b.Tick()
	assert.Equal(t, "光", b.Revealed())
}

func TestPacerRevealsAndStopsTicking(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var reveals []string
	p := New(time.Millisecond, DefaultDivisor, func(s string) {
		mu.Lock()
		reveals = append(reveals, s)
		mu.Unlock()
	})

	p.Update("Photo")
	p.Update("Photosynthesis is...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	assert.Equal(t, "Photosynthesis is...", p.Revealed())
	assert.True(t, p.Idle())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reveals)
	assert.Equal(t, "Photosynthesis is...", reveals[len(reveals)-1])
	for i := 1; i < len(reveals); i++ {
		assert.True(t, strings.HasPrefix(reveals[i], reveals[i-1]), "reveals must grow: %q then %q", reveals[i-1], reveals[i])
	}
}

func TestPacerResumesAfterIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(time.Millisecond, DefaultDivisor, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.Update("Photo")
	require.NoError(t, p.Wait(ctx))
	p.Update("Photosynthesis")
	require.NoError(t, p.Wait(ctx))

	assert.Equal(t, "Photosynthesis", p.Revealed())
}

func TestPacerShrinkSnapsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(time.Millisecond, DefaultDivisor, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.Update("a long previous answer")
	require.NoError(t, p.Wait(ctx))

	p.Update("new")
	assert.Equal(t, "new", p.Revealed())
	assert.True(t, p.Idle())
}

func TestPacerStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(time.Hour, DefaultDivisor, nil)
	p.Update("never revealed")
	assert.False(t, p.Idle())

	p.Stop()
	p.Stop()
	assert.True(t, p.Idle())
	assert.Empty(t, p.Revealed())

	p.Update("ignored after stop")
	assert.True(t, p.Idle())
	require.NoError(t, p.Wait(context.Background()))
}
