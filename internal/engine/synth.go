// File: internal/engine/synth.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import "github.com/momentics/hioload-mrcp/api"

// Synthesizer methods and events.
const (
	MethodSpeak     = "SPEAK"
	MethodStop      = "STOP"
	MethodSetParams = "SET-PARAMS"
	MethodGetParams = "GET-PARAMS"
	EventSpeakDone  = "SPEAK-COMPLETE"
)

// charsPerFrame maps text length to playback time.
const charsPerFrame = 4

type synthesizer struct{}

func (synthesizer) stream(ch *channel) api.AudioStream {
	ch.out = newOutStream()
	return ch.out
}

func (synthesizer) request(ch *channel, m *api.ControlMessage) {
	switch m.Method {
	case MethodSpeak:
		if ch.active != nil {
			ch.reject(m, api.StatusCodeMethodNotValid)
			return
		}
		frames := ch.out.queue(m.Body, charsPerFrame)
		if frames == 0 {
			ch.reject(m, api.StatusCodeMethodFailed)
			return
		}
		ch.start(m, EventSpeakDone, int64(frames*ch.engine.ptime))
		ch.cause = "000 normal"
	case MethodStop:
		ch.stopActive(m)
	case MethodSetParams, MethodGetParams:
		ch.reject(m, api.StatusCodeSuccess)
	default:
		ch.reject(m, api.StatusCodeMethodNotAllowed)
	}
}

func (synthesizer) input(*channel) {}

func (synthesizer) stop(ch *channel) { ch.out.drain() }
