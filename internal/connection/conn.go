// File: internal/connection/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// conn is one TCP control connection owned by an agent goroutine. Outbound
// frames are written directly while the socket accepts them and buffered
// otherwise; write interest is registered only while the buffer is non-empty.

package connection

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/internal/transport"
	"github.com/momentics/hioload-mrcp/reactor"
)

type conn struct {
	desc       *reactor.Descriptor
	remote     transport.Addr
	connecting bool
	closed     bool
	decoder    Decoder
	out        []byte

	// channels bound to this connection, by sessionid@resource
	channels    map[string]channelBinding
	accessCount int
	grace       *concurrency.Timer
}

// channelBinding is implemented by the per-agent channel types.
type channelBinding interface {
	deliver(m *api.ControlMessage)
	lost()
}

func newConn(fd int, remote transport.Addr, connecting bool) *conn {
	c := &conn{
		remote:     remote,
		connecting: connecting,
		channels:   make(map[string]channelBinding),
	}
	events := reactor.EventRead
	if connecting {
		events = reactor.EventWrite
	}
	c.desc = &reactor.Descriptor{Fd: fd, Events: events, Data: c}
	return c
}

func (c *conn) fd() int { return c.desc.Fd }

// send writes frame or queues the part the socket did not take.
func (c *conn) send(p *concurrency.PollerTask, frame []byte) error {
	if c.closed {
		return api.ErrClosed
	}
	if c.connecting || len(c.out) > 0 {
		c.out = append(c.out, frame...)
		return nil
	}
	n, err := transport.Write(c.fd(), frame)
	if err != nil && !errors.Is(err, transport.ErrWouldBlock) {
		return err
	}
	if n < len(frame) {
		c.out = append(c.out, frame[n:]...)
		return p.ModifyDescriptor(c.desc, reactor.EventRead|reactor.EventWrite)
	}
	return nil
}

// flush drains the outbound buffer after a writable notification.
func (c *conn) flush(p *concurrency.PollerTask) error {
	for len(c.out) > 0 {
		n, err := transport.Write(c.fd(), c.out)
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		c.out = c.out[n:]
	}
	c.out = nil
	return p.ModifyDescriptor(c.desc, reactor.EventRead)
}

// receive reads what is available and returns the complete messages.
// io.EOF is returned together with any messages decoded before it.
func (c *conn) receive(buf []byte) ([]*api.ControlMessage, error) {
	var msgs []*api.ControlMessage
	for {
		n, err := transport.Read(c.fd(), buf)
		if errors.Is(err, transport.ErrWouldBlock) {
			return msgs, nil
		}
		if err != nil {
			return msgs, err
		}
		c.decoder.Feed(buf[:n])
		for {
			m, err := c.decoder.Next()
			if err != nil {
				return msgs, err
			}
			if m == nil {
				break
			}
			msgs = append(msgs, m)
		}
		if n < len(buf) {
			return msgs, nil
		}
	}
}

// finishConnect completes a pending dial once the socket became writable.
func (c *conn) finishConnect(p *concurrency.PollerTask) error {
	if err := transport.ConnectResult(c.fd()); err != nil {
		return err
	}
	c.connecting = false
	events := reactor.EventRead
	if len(c.out) > 0 {
		events |= reactor.EventWrite
	}
	return p.ModifyDescriptor(c.desc, events)
}

// close unregisters and closes the socket; it is idempotent.
func (c *conn) close(p *concurrency.PollerTask) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.grace != nil {
		c.grace.Kill()
	}
	var errs []error
	if err := p.RemoveDescriptor(c.desc); err != nil && !errors.Is(err, api.ErrNotFound) {
		errs = append(errs, err)
	}
	if err := transport.Close(c.fd()); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", c.remote, err))
	}
	c.out = nil
	return errors.Join(errs...)
}
