//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package reactor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/reactor"
)

func pipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestPollsetTimeout(t *testing.T) {
	ps, err := reactor.NewPollset(4)
	require.NoError(t, err)
	defer ps.Close()

	start := time.Now()
	_, err = ps.Wait(20)
	assert.ErrorIs(t, err, reactor.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPollsetWakeInterruptsWait(t *testing.T) {
	ps, err := reactor.NewPollset(4)
	require.NoError(t, err)
	defer ps.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = ps.Wake()
	}()
	ready, err := ps.Wait(5000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.True(t, ps.IsWake(ready[0]))
}

func TestPollsetWakesCoalesce(t *testing.T) {
	ps, err := reactor.NewPollset(4)
	require.NoError(t, err)
	defer ps.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, ps.Wake())
	}
	ready, err := ps.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.True(t, ps.IsWake(ready[0]))

	_, err = ps.Wait(10)
	assert.ErrorIs(t, err, reactor.ErrTimeout)
}

func TestPollsetReadable(t *testing.T) {
	ps, err := reactor.NewPollset(4)
	require.NoError(t, err)
	defer ps.Close()

	r, w := pipe(t)
	d := &reactor.Descriptor{Fd: r, Events: reactor.EventRead, Data: "reader"}
	require.NoError(t, ps.Add(d))
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	ready, err := ps.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, d, ready[0])
	assert.NotZero(t, ready[0].Ready&reactor.EventRead)
	assert.Equal(t, "reader", ready[0].Data)
}

func TestPollsetRemoveScrubsSnapshot(t *testing.T) {
	ps, err := reactor.NewPollset(4)
	require.NoError(t, err)
	defer ps.Close()

	r1, w1 := pipe(t)
	r2, w2 := pipe(t)
	d1 := &reactor.Descriptor{Fd: r1, Events: reactor.EventRead}
	d2 := &reactor.Descriptor{Fd: r2, Events: reactor.EventRead}
	require.NoError(t, ps.Add(d1))
	require.NoError(t, ps.Add(d2))
	unix.Write(w1, []byte("a"))
	unix.Write(w2, []byte("b"))

	ready, err := ps.Wait(1000)
	require.NoError(t, err)
	require.Len(t, ready, 2)

	dispatched := 0
	for _, d := range ready {
		if d == nil {
			continue
		}
		dispatched++
		// the first handler tears down both descriptors
		require.NoError(t, ps.Remove(d1))
		require.NoError(t, ps.Remove(d2))
	}
	assert.Equal(t, 1, dispatched)
	assert.Zero(t, ps.Len())
}

func TestPollsetCapacity(t *testing.T) {
	ps, err := reactor.NewPollset(1)
	require.NoError(t, err)
	defer ps.Close()

	r1, _ := pipe(t)
	r2, _ := pipe(t)
	require.NoError(t, ps.Add(&reactor.Descriptor{Fd: r1, Events: reactor.EventRead}))
	err = ps.Add(&reactor.Descriptor{Fd: r2, Events: reactor.EventRead})
	assert.True(t, errors.Is(err, api.ErrResourceExhausted))
	assert.Equal(t, 1, ps.Len())
}
