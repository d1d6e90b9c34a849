// File: server/options.go
// Package server defines functional options for the server stack.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/internal/session"
)

// Option customizes server initialization.
type Option func(*Stack)

// WithLogger sets the base logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Stack) { s.logger = l }
}

// WithPool sets the message pool of the stack task.
func WithPool(p api.MessagePool) Option {
	return func(s *Stack) { s.pool = p }
}

// WithDiagnostics installs the negotiation observer.
func WithDiagnostics(d session.Diagnostics) Option {
	return func(s *Stack) { s.diag = d }
}

// WithMaxSessions bounds concurrently open sessions. Offers on sessions past
// the bound are answered with an unavailable-resource status.
func WithMaxSessions(n int) Option {
	return func(s *Stack) { s.maxSessions = n }
}
