// File: facade/demo.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking client flows over a running Stack: resource discovery and one
// synthesized utterance. Application callbacks run on the client stack
// goroutine and only hand results over buffered channels.

package facade

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/client"
	"github.com/momentics/hioload-mrcp/internal/engine"
)

const teardownTimeout = 2 * time.Second

// SpeakResult summarizes one SPEAK exchange.
type SpeakResult struct {
	SessionID  string
	ChannelID  string
	StatusCode int
	Cause      string
	Frames     int64
}

type channelResult struct {
	status    api.Status
	sessionID string
	channelID string
}

type discoverResult struct {
	status    api.Status
	resources *api.ResourceDescriptor
}

// waiter turns dispatcher callbacks into channel receives.
type waiter struct {
	added      chan channelResult
	terminated chan api.Status
	discovered chan discoverResult
	messages   chan *api.ControlMessage
	lost       chan struct{}
}

func newWaiter() *waiter {
	return &waiter{
		added:      make(chan channelResult, 1),
		terminated: make(chan api.Status, 1),
		discovered: make(chan discoverResult, 1),
		messages:   make(chan *api.ControlMessage, 16),
		lost:       make(chan struct{}, 1),
	}
}

func (w *waiter) handler() client.Handler {
	d := &client.Dispatcher{
		OnChannelAdd: func(s *client.Session, ch *client.Channel, status api.Status) {
			w.added <- channelResult{status: status, sessionID: s.ID(), channelID: ch.ID()}
		},
		OnSessionTerminate: func(_ *client.Session, status api.Status) {
			w.terminated <- status
		},
		OnResourceDiscover: func(_ *client.Session, rd *api.ResourceDescriptor, status api.Status) {
			w.discovered <- discoverResult{status: status, resources: rd}
		},
		OnMessageReceive: func(_ *client.Session, _ *client.Channel, m *api.ControlMessage) {
			select {
			case w.messages <- m:
			default:
			}
		},
		OnTerminateEvent: func(*client.Session, *client.Channel) {
			select {
			case w.lost <- struct{}{}:
			default:
			}
		},
	}
	return d.AsHandler()
}

func await[T any](ctx context.Context, w *waiter, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-w.lost:
		return zero, api.ErrSessionTerminated
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// frameCounter is the client-side sink of synthesized audio.
type frameCounter struct{ frames atomic.Int64 }

func (f *frameCounter) Mode() api.StreamMode { return api.ModeReceive }

func (f *frameCounter) ReadFrame([]byte) bool { return false }

func (f *frameCounter) WriteFrame([]byte) bool {
	f.frames.Add(1)
	return true
}

// terminate ends sess and waits a bounded time for the acknowledgement.
func terminate(sess *client.Session, w *waiter) error {
	if err := sess.Terminate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	status, err := await(ctx, w, w.terminated)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if status != api.StatusSuccess {
		return fmt.Errorf("terminate session: %s", status)
	}
	return nil
}

// Discover asks the server side for its resources.
func (s *Stack) Discover(ctx context.Context) (*api.ResourceDescriptor, error) {
	w := newWaiter()
	sess, err := s.client.CreateSession(s.ClientProfile(), w.handler())
	if err != nil {
		return nil, err
	}
	if err := sess.Discover(); err != nil {
		return nil, err
	}
	res, err := await(ctx, w, w.discovered)
	if err == nil && res.status != api.StatusSuccess {
		err = fmt.Errorf("discover: %s", res.status)
	}
	if termErr := terminate(sess, w); termErr != nil && err == nil {
		s.logger.Warn("discover teardown failed", "err", termErr)
	}
	if err != nil {
		return nil, err
	}
	return res.resources, nil
}

// Speak opens a synthesizer channel, plays text and waits for SPEAK-COMPLETE.
func (s *Stack) Speak(ctx context.Context, text string) (*SpeakResult, error) {
	w := newWaiter()
	sess, err := s.client.CreateSession(s.ClientProfile(), w.handler())
	if err != nil {
		return nil, err
	}
	res, err := s.speak(ctx, sess, w, text)
	if termErr := terminate(sess, w); termErr != nil && err == nil {
		err = termErr
	}
	return res, err
}

func (s *Stack) speak(ctx context.Context, sess *client.Session, w *waiter, text string) (*SpeakResult, error) {
	sink := &frameCounter{}
	ch, err := sess.CreateChannel(engine.Synthesizer, sink)
	if err != nil {
		return nil, err
	}
	if err := sess.AddChannel(ch); err != nil {
		return nil, err
	}
	added, err := await(ctx, w, w.added)
	if err != nil {
		return nil, err
	}
	if added.status != api.StatusSuccess {
		return nil, fmt.Errorf("add %s channel: %s", engine.Synthesizer, added.status)
	}
	res := &SpeakResult{SessionID: added.sessionID, ChannelID: added.channelID}

	req := sess.NewRequest(ch, engine.MethodSpeak)
	req.SetHeader("Content-Type", "text/plain")
	req.Body = text
	if err := sess.SendMessage(ch, req); err != nil {
		return res, err
	}
	for {
		m, err := await(ctx, w, w.messages)
		if err != nil {
			return res, err
		}
		if m.RequestID != req.RequestID {
			continue
		}
		switch m.Kind {
		case api.ControlResponse:
			res.StatusCode = m.StatusCode
			if m.StatusCode != api.StatusCodeSuccess || m.RequestState == api.RequestComplete {
				res.Frames = sink.frames.Load()
				return res, fmt.Errorf("speak rejected with %d", m.StatusCode)
			}
		case api.ControlEvent:
			if m.Method == engine.EventSpeakDone {
				res.Cause = m.Header("Completion-Cause")
				res.Frames = sink.frames.Load()
				return res, nil
			}
		}
	}
}
