// File: internal/engine/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Audio streams handed to the media engine. They are touched from the media
// goroutine, so state shared with the engine goroutine is a ring or an atomic.

package engine

import (
	"sync/atomic"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/pool"
)

const streamFrames = 512

// outStream plays queued frames. Each entry is the fill byte of one frame.
type outStream struct {
	frames *pool.RingBuffer[byte]
}

func newOutStream() *outStream {
	return &outStream{frames: pool.NewRingBuffer[byte](streamFrames)}
}

func (s *outStream) Mode() api.StreamMode { return api.ModeSend }

func (s *outStream) ReadFrame(frame []byte) bool {
	fill, ok := s.frames.Dequeue()
	if !ok {
		return false
	}
	for i := range frame {
		frame[i] = fill
	}
	return true
}

func (s *outStream) WriteFrame([]byte) bool { return false }

// queue renders text as frames and returns how many were accepted.
func (s *outStream) queue(text string, perFrame int) int {
	n := 0
	for i := 0; i < len(text); i += perFrame {
		// μ-law silence is 0xff; bias each frame by the text it carries
		if !s.frames.Enqueue(0xff ^ text[i]&0x0f) {
			break
		}
		n++
	}
	return n
}

func (s *outStream) drain() {
	for {
		if _, ok := s.frames.Dequeue(); !ok {
			return
		}
	}
}

// inStream counts inbound frames while a request listens.
type inStream struct {
	ch        *channel
	listening atomic.Bool
	notify    atomic.Bool
	frames    atomic.Int64
}

func (s *inStream) Mode() api.StreamMode { return api.ModeReceive }

func (s *inStream) ReadFrame([]byte) bool { return false }

func (s *inStream) WriteFrame(frame []byte) bool {
	if !s.listening.Load() {
		return true
	}
	s.frames.Add(1)
	if s.notify.CompareAndSwap(true, false) {
		_ = s.ch.engine.post(msgInput, &channelOp{ch: s.ch})
	}
	return true
}

func (s *inStream) listen() {
	s.frames.Store(0)
	s.notify.Store(true)
	s.listening.Store(true)
}

func (s *inStream) stop() int64 {
	s.listening.Store(false)
	s.notify.Store(false)
	return s.frames.Load()
}
