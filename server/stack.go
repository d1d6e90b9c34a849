// File: server/stack.go
// Package server implements the server side of the speech-resource control
// stack: sessions answering offers by opening resource engine channels, control
// connections and media terminations.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
	"github.com/momentics/hioload-mrcp/internal/session"
)

// Stack message subtypes.
const (
	msgSigOffer = iota + 1
	msgSigTerminate
	msgSigControl
	msgSigDiscover
	msgSigDisconnect
	msgChannelAdd
	msgChannelModify
	msgChannelRemove
	msgChannelReceive
	msgChannelDisconnect
	msgEngineOpen
	msgEngineClose
	msgEngineMessage
	msgMediaResponse
)

// Profile binds the stack to its collaborators. Connection and Media are
// optional: without a connection agent control messages travel over
// signaling, without a media engine channels carry no audio.
type Profile struct {
	Name       string
	IP         string
	Signaling  api.ServerSignalingAgent
	Connection api.ConnectionAgent
	Media      api.MediaEngine
	Engines    []api.ResourceEngine
}

// Stack is the server task. It is the session factory of its signaling agent.
type Stack struct {
	task        *concurrency.ConsumerTask
	profile     *Profile
	engines     map[string]api.ResourceEngine
	sessions    *session.Table[*Session]
	logger      *log.Logger
	pool        api.MessagePool
	diag        session.Diagnostics
	maxSessions int
}

// NewStack creates an idle server stack and registers it with the
// signaling agent.
func NewStack(name string, profile *Profile, opts ...Option) (*Stack, error) {
	if profile == nil || profile.Signaling == nil {
		return nil, api.ErrInvalidArgument
	}
	s := &Stack{
		profile:  profile,
		engines:  make(map[string]api.ResourceEngine, len(profile.Engines)),
		sessions: session.NewTable[*Session](16),
	}
	for _, e := range profile.Engines {
		if _, dup := s.engines[e.Resource()]; dup {
			return nil, fmt.Errorf("engine %q: %w", e.Resource(), api.ErrAlreadyExists)
		}
		s.engines[e.Resource()] = e
	}
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
	profile.Signaling.SetSessionFactory(s)
	return s, nil
}

// Task exposes the underlying task.
func (s *Stack) Task() *concurrency.Task { return s.task.Task }

// Sessions returns the number of open sessions.
func (s *Stack) Sessions() int { return s.sessions.Len() }

// Resources lists the registered resource names in order.
func (s *Stack) Resources() []string {
	out := make([]string, 0, len(s.engines))
	for name := range s.engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Stack) codecs() []api.Codec {
	var out []api.Codec
	seen := make(map[api.Codec]bool)
	for _, name := range s.Resources() {
		for _, c := range s.engines[name].Codecs() {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// CreateSession implements api.ServerSessionFactory. It may be called from
// the signaling goroutine.
func (s *Stack) CreateSession(sig api.ServerSignalingSession) api.ServerSignalingHandler {
	handle := uuid.NewString()
	sess := newSession(s, handle, sig)
	if s.maxSessions > 0 && s.sessions.Len() >= s.maxSessions {
		s.logger.Warn("session limit reached", "max", s.maxSessions)
		sess.rejected = true
	}
	if err := s.sessions.Put(handle, sess); err != nil {
		s.logger.Error("session table", "err", err)
	}
	return sess
}

// deliver hands a collaborator callback to the stack goroutine. Callbacks
// cannot report failure, so it survives pool exhaustion.
func (s *Stack) deliver(subtype int, payload any) error {
	return s.task.Deliver(subtype, payload)
}

func (s *Stack) process(msg *api.Message) {
	switch msg.Subtype {
	case msgSigOffer, msgSigTerminate, msgSigControl, msgSigDiscover, msgSigDisconnect:
		ev := msg.Payload.(*signalingEvent)
		ev.session.onSignaling(msg.Subtype, ev)
	case msgChannelAdd, msgChannelModify, msgChannelRemove, msgChannelReceive, msgChannelDisconnect,
		msgEngineOpen, msgEngineClose, msgEngineMessage:
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
