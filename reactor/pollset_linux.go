//go:build linux
// +build linux

// File: reactor/pollset_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) backend with an eventfd(2) wake descriptor.

package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type epollBackend struct {
	epfd int
	efd  int
	raw  []unix.EpollEvent
}

func newBackend(capacity int) (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	b := &epollBackend{epfd: epfd, efd: efd, raw: make([]unix.EpollEvent, capacity+1)}
	if err := b.add(efd, EventRead, wakeID); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func toEpoll(ev EventType) uint32 {
	var out uint32
	if ev&EventRead != 0 {
		out |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func (b *epollBackend) add(fd int, ev EventType, id int32) error {
	// The registration id rides in the data union instead of the fd.
	event := &unix.EpollEvent{Events: toEpoll(ev), Fd: id}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, event)
}

func (b *epollBackend) modify(fd int, ev EventType, id int32) error {
	event := &unix.EpollEvent{Events: toEpoll(ev), Fd: id}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, event)
}

func (b *epollBackend) remove(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) wait(timeoutMs int, out []readyEvent) (int, error) {
	if timeoutMs < 0 {
		timeoutMs = -1
	}
	limit := len(out)
	if limit > len(b.raw) {
		limit = len(b.raw)
	}
	for {
		n, err := unix.EpollWait(b.epfd, b.raw[:limit], timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		for i := 0; i < n; i++ {
			e := b.raw[i]
			var ev EventType
			if e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
				ev |= EventRead
			}
			if e.Events&unix.EPOLLOUT != 0 {
				ev |= EventWrite
			}
			if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= EventError
			}
			out[i] = readyEvent{id: e.Fd, ev: ev}
		}
		return n, nil
	}
}

func (b *epollBackend) signal() error {
	var one = [8]byte{1}
	_, err := unix.Write(b.efd, one[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (b *epollBackend) drain() {
	var buf [8]byte
	_, _ = unix.Read(b.efd, buf[:])
}

func (b *epollBackend) close() error {
	err := unix.Close(b.epfd)
	if cerr := unix.Close(b.efd); err == nil {
		err = cerr
	}
	return err
}
