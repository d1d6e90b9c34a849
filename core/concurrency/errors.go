// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import (
	"errors"

	"github.com/momentics/hioload-mrcp/api"
)

var (
	// ErrQueueClosed indicates the task queue no longer accepts messages
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrChildAfterStart indicates AddChild was called on a started task
	ErrChildAfterStart = errors.New("children must be added before start")

	// Task lifecycle errors, shared with callers through api.
	ErrTaskAlreadyStarted = api.ErrTaskAlreadyStarted
	ErrTaskNotStarted     = api.ErrTaskNotStarted
	ErrTaskNotRunning     = api.ErrTaskNotRunning
)
