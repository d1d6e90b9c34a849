//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mrcp/internal/transport"
)

func loopback(t *testing.T, port int) transport.Addr {
	t.Helper()
	a, err := transport.ParseAddr("127.0.0.1", port)
	require.NoError(t, err)
	return a
}

// retry spins on ErrWouldBlock; the sockets are non-blocking.
func retry(t *testing.T, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := fn()
		if !errors.Is(err, transport.ErrWouldBlock) {
			require.NoError(t, err)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never became ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	lfd, bound, err := transport.ListenTCP(loopback(t, 0))
	require.NoError(t, err)
	defer transport.Close(lfd)
	require.NotZero(t, bound.Port)

	cfd, pending, err := transport.DialTCP(bound)
	require.NoError(t, err)
	defer transport.Close(cfd)

	var sfd int
	retry(t, func() error {
		var err error
		sfd, _, err = transport.Accept(lfd)
		return err
	})
	defer transport.Close(sfd)
	if pending {
		require.NoError(t, transport.ConnectResult(cfd))
	}

	retry(t, func() error {
		_, err := transport.Write(cfd, []byte("ping"))
		return err
	})
	buf := make([]byte, 16)
	var n int
	retry(t, func() error {
		var err error
		n, err = transport.Read(sfd, buf)
		return err
	})
	assert.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, transport.Close(cfd))
	retry(t, func() error {
		_, err := transport.Read(sfd, buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err == nil {
			return transport.ErrWouldBlock
		}
		return err
	})
}

func TestUDPRoundTrip(t *testing.T) {
	afd, a, err := transport.BindUDP(loopback(t, 0))
	require.NoError(t, err)
	defer transport.Close(afd)
	bfd, b, err := transport.BindUDP(loopback(t, 0))
	require.NoError(t, err)
	defer transport.Close(bfd)

	require.NoError(t, transport.SendTo(afd, []byte("rtp"), b))
	buf := make([]byte, 16)
	var (
		n    int
		from transport.Addr
	)
	retry(t, func() error {
		var err error
		n, from, err = transport.RecvFrom(bfd, buf)
		return err
	})
	assert.Equal(t, "rtp", string(buf[:n]))
	assert.Equal(t, a.Port, from.Port)
}

func TestParseAddr(t *testing.T) {
	a, err := transport.ParseAddr("10.1.2.3", 1544)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:1544", a.String())

	_, err = transport.ParseAddr("::1", 1)
	assert.Error(t, err)
	_, err = transport.ParseAddr("127.0.0.1", 70000)
	assert.Error(t, err)
}
