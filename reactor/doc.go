// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the interruptible I/O multiplexer (Pollset) used by
// poller tasks: epoll with an eventfd wake on Linux, poll(2) with a self-pipe on BSD.
package reactor
