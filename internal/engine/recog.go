// File: internal/engine/recog.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The recognizer listens for a fixed window and reports a match when any
// audio arrived during it. START-OF-INPUT is raised on the first frame.

package engine

import (
	"fmt"
	"strconv"

	"github.com/momentics/hioload-mrcp/api"
)

// Recognizer methods, events and headers.
const (
	MethodRecognize      = "RECOGNIZE"
	MethodDefineGrammar  = "DEFINE-GRAMMAR"
	MethodStartTimers    = "START-INPUT-TIMERS"
	EventStartOfInput    = "START-OF-INPUT"
	EventRecognitionDone = "RECOGNITION-COMPLETE"
	HeaderTimeout        = "Recognition-Timeout"
)

const defaultWindow = 2000

type recognizer struct{}

func (recognizer) stream(ch *channel) api.AudioStream {
	ch.in = &inStream{ch: ch}
	return ch.in
}

func (recognizer) request(ch *channel, m *api.ControlMessage) {
	switch m.Method {
	case MethodRecognize:
		if ch.active != nil {
			ch.reject(m, api.StatusCodeMethodNotValid)
			return
		}
		window := int64(defaultWindow)
		if v := m.Header(HeaderTimeout); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms <= 0 {
				ch.reject(m, api.StatusCodeMethodFailed)
				return
			}
			window = ms
		}
		ch.in.listen()
		ch.start(m, EventRecognitionDone, window)
	case MethodStop:
		ch.stopActive(m)
	case MethodDefineGrammar, MethodStartTimers, MethodSetParams, MethodGetParams:
		ch.reject(m, api.StatusCodeSuccess)
	default:
		ch.reject(m, api.StatusCodeMethodNotAllowed)
	}
}

func (recognizer) input(ch *channel) {
	ch.handler.OnMessage(ch.active.NewEvent(EventStartOfInput, api.RequestInProgress))
}

func (recognizer) stop(ch *channel) {
	frames := ch.in.stop()
	if frames == 0 {
		ch.cause = "002 no-input-timeout"
		ch.body = ""
		return
	}
	ch.cause = "000 success"
	ch.body = fmt.Sprintf(`<?xml version="1.0"?><result><interpretation confidence="0.9"><input mode="speech">%d frames</input></interpretation></result>`, frames)
}
