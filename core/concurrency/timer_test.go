package concurrency_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mrcp/core/concurrency"
)

func TestTimerWheelOrder(t *testing.T) {
	w := concurrency.NewTimerWheel()
	var fired []string
	record := func(_ *concurrency.Timer, ctx any) { fired = append(fired, ctx.(string)) }

	w.CreateTimer(record, "c").Set(30)
	w.CreateTimer(record, "a1").Set(10)
	w.CreateTimer(record, "b").Set(20)
	w.CreateTimer(record, "a2").Set(10)

	next, ok := w.NextTimeout()
	require.True(t, ok)
	assert.EqualValues(t, 10, next)

	w.Advance(25)
	assert.Equal(t, []string{"a1", "a2", "b"}, fired)
	next, ok = w.NextTimeout()
	require.True(t, ok)
	assert.EqualValues(t, 5, next)

	w.Advance(5)
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, fired)
	_, ok = w.NextTimeout()
	assert.False(t, ok)
}

func TestTimerKillIsIdempotent(t *testing.T) {
	w := concurrency.NewTimerWheel()
	calls := 0
	tm := w.CreateTimer(func(*concurrency.Timer, any) { calls++ }, nil)

	tm.Kill() // never armed
	tm.Set(10)
	tm.Kill()
	tm.Kill()
	w.Advance(20)
	assert.Zero(t, calls)

	tm.Set(5)
	w.Advance(5)
	assert.Equal(t, 1, calls)
	tm.Kill() // already fired
	w.Advance(100)
	assert.Equal(t, 1, calls)
}

func TestTimerRearmReplacesDeadline(t *testing.T) {
	w := concurrency.NewTimerWheel()
	calls := 0
	tm := w.CreateTimer(func(*concurrency.Timer, any) { calls++ }, nil)
	tm.Set(10)
	tm.Set(50)
	assert.Equal(t, 1, w.Len())
	w.Advance(20)
	assert.Zero(t, calls)
	w.Advance(30)
	assert.Equal(t, 1, calls)
}

func TestTimerKilledByEarlierCallback(t *testing.T) {
	w := concurrency.NewTimerWheel()
	var second *concurrency.Timer
	secondFired := false
	first := w.CreateTimer(func(*concurrency.Timer, any) { second.Kill() }, nil)
	second = w.CreateTimer(func(*concurrency.Timer, any) { secondFired = true }, nil)
	first.Set(10)
	second.Set(10)
	w.Advance(10)
	assert.False(t, secondFired)
}

func TestTimerRearmFromCallbackWaitsForNextAdvance(t *testing.T) {
	w := concurrency.NewTimerWheel()
	calls := 0
	tm := w.CreateTimer(func(tm *concurrency.Timer, _ any) {
		calls++
		tm.Set(0)
	}, nil)
	tm.Set(1)
	w.Advance(1)
	assert.Equal(t, 1, calls)
	w.Advance(0)
	assert.Equal(t, 2, calls)
}
