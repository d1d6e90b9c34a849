// File: client/stack.go
// Package client implements the client side of the speech-resource control
// stack: a consumer task owning client sessions, each negotiating channels
// with a server through signaling, control connections and media.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every session operation is posted to the stack task and processed on its
// goroutine, so sessions are never touched concurrently.

package client

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/internal/session"
)

// Stack message subtypes.
const (
	msgAppRequest = iota + 1
	msgSigAnswer
	msgSigTerminateResponse
	msgSigControlResponse
	msgSigDiscoverResponse
	msgSigTerminateEvent
	msgChannelAdd
	msgChannelModify
	msgChannelRemove
	msgChannelReceive
	msgChannelDisconnect
	msgMediaResponse
)

// Profile binds a session to its collaborators. Connection and Media are
// optional: without a connection agent control messages travel over signaling,
// without a media engine channels carry no audio.
type Profile struct {
	Name       string
	LocalIP    string
	Signaling  api.ClientSignalingAgent
	Connection api.ConnectionAgent
	Media      api.MediaEngine
	Codecs     []api.Codec
	PTime      int
}

// Option customizes the stack.
type Option func(*Stack)

// WithLogger sets the base logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Stack) { s.logger = l }
}

// WithPool sets the task message pool.
func WithPool(p api.MessagePool) Option {
	return func(s *Stack) { s.pool = p }
}

// WithDiagnostics installs the negotiation observer.
func WithDiagnostics(d session.Diagnostics) Option {
	return func(s *Stack) { s.diag = d }
}

// WithMaxSessions bounds concurrently open sessions.
func WithMaxSessions(n int) Option {
	return func(s *Stack) { s.maxSessions = n }
}

// Stack is the client task.
type Stack struct {
	task        *concurrency.ConsumerTask
	sessions    *session.Table[*Session]
	logger      *log.Logger
	pool        api.MessagePool
	diag        session.Diagnostics
	maxSessions int
}

// NewStack creates an idle client stack named name.
func NewStack(name string, opts ...Option) *Stack {
	s := &Stack{sessions: session.NewTable[*Session](16)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	s.task = concurrency.NewConsumerTask(name, s.process,
		concurrency.WithLogger(s.logger),
		concurrency.WithPool(s.pool))
	s.logger = s.task.Logger()
	return s
}

// Task exposes the underlying task for lifecycle control and parenting.
func (s *Stack) Task() *concurrency.Task { return s.task.Task }

// Sessions returns the number of open sessions.
func (s *Stack) Sessions() int { return s.sessions.Len() }

// CreateSession opens a session bound to profile. Responses and events are
// delivered to handler on the stack goroutine.
func (s *Stack) CreateSession(profile *Profile, handler Handler) (*Session, error) {
	if profile == nil || profile.Signaling == nil || handler == nil {
		return nil, api.ErrInvalidArgument
	}
	if s.maxSessions > 0 && s.sessions.Len() >= s.maxSessions {
		return nil, fmt.Errorf("client sessions: %w", api.ErrResourceExhausted)
	}
	handle := uuid.NewString()
	sess := newSession(s, handle, profile, handler)
	if err := s.sessions.Put(handle, sess); err != nil {
		return nil, err
	}
	sess.sig = profile.Signaling.CreateSession(sess)
	s.logger.Debug("session created", "handle", handle, "profile", profile.Name)
	return sess, nil
}

func (s *Stack) post(subtype int, payload any) error {
	return s.task.Post(subtype, payload)
}

// deliver hands a collaborator callback to the stack goroutine. It survives
// pool exhaustion so no outstanding leg is stranded.
func (s *Stack) deliver(subtype int, payload any) error {
	return s.task.Deliver(subtype, payload)
}

// process runs on the stack goroutine.
func (s *Stack) process(msg *api.Message) {
	switch msg.Subtype {
	case msgAppRequest:
		req := msg.Payload.(*request)
		req.session.submit(req)
	case msgSigAnswer, msgSigTerminateResponse, msgSigControlResponse, msgSigDiscoverResponse, msgSigTerminateEvent:
		ev := msg.Payload.(*signalingEvent)
		ev.session.onSignaling(msg.Subtype, ev)
	case msgChannelAdd, msgChannelModify, msgChannelRemove, msgChannelReceive, msgChannelDisconnect:
		ev := msg.Payload.(*channelEvent)
		ev.channel.session.onChannel(msg.Subtype, ev)
	case msgMediaResponse:
		ev := msg.Payload.(*mediaEvent)
		ev.session.onMedia(ev.resp)
	default:
		s.logger.Warn("unknown message", "subtype", msg.Subtype)
	}
}

func (s *Stack) remove(sess *Session) {
	s.sessions.Delete(sess.handle)
}
