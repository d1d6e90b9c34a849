//go:build darwin || freebsd || netbsd || openbsd || dragonfly
// +build darwin freebsd netbsd openbsd dragonfly

// File: reactor/pollset_bsd.go
// Author: momentics <momentics@gmail.com>
//
// poll(2) backend with a non-blocking self-pipe for wakes.

package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type pollBackend struct {
	fds []unix.PollFd
	ids []int32
	rd  int
	wr  int
}

func newBackend(capacity int) (backend, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	b := &pollBackend{
		fds: make([]unix.PollFd, 0, capacity+1),
		ids: make([]int32, 0, capacity+1),
		rd:  p[0],
		wr:  p[1],
	}
	_ = b.add(b.rd, EventRead, wakeID)
	return b, nil
}

func toPoll(ev EventType) int16 {
	var out int16
	if ev&EventRead != 0 {
		out |= unix.POLLIN
	}
	if ev&EventWrite != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func (b *pollBackend) index(fd int) int {
	for i := range b.fds {
		if int(b.fds[i].Fd) == fd {
			return i
		}
	}
	return -1
}

func (b *pollBackend) add(fd int, ev EventType, id int32) error {
	if b.index(fd) >= 0 {
		return unix.EEXIST
	}
	b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: toPoll(ev)})
	b.ids = append(b.ids, id)
	return nil
}

func (b *pollBackend) modify(fd int, ev EventType, id int32) error {
	i := b.index(fd)
	if i < 0 {
		return unix.ENOENT
	}
	b.fds[i].Events = toPoll(ev)
	b.ids[i] = id
	return nil
}

func (b *pollBackend) remove(fd int) error {
	i := b.index(fd)
	if i < 0 {
		return unix.ENOENT
	}
	last := len(b.fds) - 1
	b.fds[i], b.ids[i] = b.fds[last], b.ids[last]
	b.fds, b.ids = b.fds[:last], b.ids[:last]
	return nil
}

func (b *pollBackend) wait(timeoutMs int, out []readyEvent) (int, error) {
	if timeoutMs < 0 {
		timeoutMs = -1
	}
	for {
		n, err := unix.Poll(b.fds, timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 {
			return 0, err
		}
		k := 0
		for i := range b.fds {
			re := b.fds[i].Revents
			if re == 0 || k == len(out) {
				continue
			}
			var ev EventType
			if re&unix.POLLIN != 0 {
				ev |= EventRead
			}
			if re&unix.POLLOUT != 0 {
				ev |= EventWrite
			}
			if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				ev |= EventError
			}
			out[k] = readyEvent{id: b.ids[i], ev: ev}
			k++
		}
		return k, nil
	}
}

func (b *pollBackend) signal() error {
	_, err := unix.Write(b.wr, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (b *pollBackend) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(b.rd, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (b *pollBackend) close() error {
	err := unix.Close(b.rd)
	if cerr := unix.Close(b.wr); err == nil {
		err = cerr
	}
	return err
}
