// File: client/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client session coordinator.
//
// A request is negotiated in steps. Each step issues legs to signaling, the
// control connection and the media engine, then waits for the saga counter to
// drop to zero before the next step runs. Completions are accepted only when
// the matching waiting flag is set, so a stray or duplicate callback never
// moves the counter.

package client

import (
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/internal/session"
)

const (
	controlProto   = "TCP/MRCPv2"
	discardPort    = 9
	defaultLocalIP = "127.0.0.1"
	offerOrigin    = "hioload-mrcp"
)

// Session is a client session. Its exported methods are safe to call from any
// goroutine; everything else runs on the stack goroutine.
type Session struct {
	stack   *Stack
	handle  string
	profile *Profile
	handler Handler
	sig     api.ClientSignalingSession
	saga    *session.Saga
	logger  *log.Logger

	id       atomic.Pointer[string]
	channels []*Channel
	offer    *api.SessionDescriptor
	answer   *api.SessionDescriptor
	media    *api.MediaContext
	offered  bool

	sigWaiting   int
	mediaWaiting int

	requestID atomic.Uint32
}

type request struct {
	session    *Session
	command    Command
	channel    *Channel
	control    *api.ControlMessage
	dispatched bool
	rollback   bool
	response   *api.ControlMessage
	resources  *api.ResourceDescriptor
}

func newSession(st *Stack, handle string, profile *Profile, h Handler) *Session {
	logger := st.logger.With("session", handle)
	return &Session{
		stack:   st,
		handle:  handle,
		profile: profile,
		handler: h,
		logger:  logger,
		saga:    session.NewSaga(handle, logger, st.diag),
	}
}

// Handle returns the local session handle.
func (s *Session) Handle() string { return s.handle }

// ID returns the server-assigned session id, empty before the first answer.
// Safe from any goroutine.
func (s *Session) ID() string {
	if id := s.id.Load(); id != nil {
		return *id
	}
	return ""
}

// Offer returns the last offer sent.
func (s *Session) Offer() *api.SessionDescriptor { return s.offer }

// Answer returns the last answer received.
func (s *Session) Answer() *api.SessionDescriptor { return s.answer }

// CreateChannel prepares a channel for resource. stream may be nil when the
// channel carries no local audio.
func (s *Session) CreateChannel(resource string, stream api.AudioStream) (*Channel, error) {
	if resource == "" {
		return nil, api.ErrInvalidArgument
	}
	return newChannel(s, resource, stream), nil
}

// NewRequest builds a control request for ch with the next request id.
func (s *Session) NewRequest(ch *Channel, method string) *api.ControlMessage {
	return &api.ControlMessage{
		Kind:      api.ControlRequest,
		Resource:  ch.resource,
		RequestID: s.requestID.Add(1),
		Method:    method,
	}
}

// AddChannel negotiates ch into the session.
func (s *Session) AddChannel(ch *Channel) error {
	if ch == nil || ch.session != s {
		return api.ErrInvalidArgument
	}
	return s.post(&request{command: CommandChannelAdd, channel: ch})
}

// RemoveChannel negotiates ch out of the session.
func (s *Session) RemoveChannel(ch *Channel) error {
	if ch == nil || ch.session != s {
		return api.ErrInvalidArgument
	}
	return s.post(&request{command: CommandChannelRemove, channel: ch})
}

// Update re-offers the current channel set.
func (s *Session) Update() error {
	return s.post(&request{command: CommandSessionUpdate})
}

// Terminate tears every channel down and ends the session.
func (s *Session) Terminate() error {
	return s.post(&request{command: CommandSessionTerminate})
}

// Discover asks the server for its resources.
func (s *Session) Discover() error {
	return s.post(&request{command: CommandResourceDiscover})
}

// SendMessage sends control request m on ch. The response is raised as a
// CommandMessage response.
func (s *Session) SendMessage(ch *Channel, m *api.ControlMessage) error {
	if ch == nil || ch.session != s || m == nil || m.Kind != api.ControlRequest {
		return api.ErrInvalidArgument
	}
	return s.post(&request{command: CommandMessage, channel: ch, control: m})
}

func (s *Session) post(req *request) error {
	req.session = s
	return s.stack.post(msgAppRequest, req)
}

// submit runs on the stack goroutine.
func (s *Session) submit(req *request) {
	if s.saga.Closed() {
		status := api.StatusFailure
		if req.command == CommandSessionTerminate {
			status = api.StatusSuccess
		}
		s.logger.Warn("request on terminated session", "command", req.command)
		s.raise(s.responseFor(req, status))
		return
	}
	if s.saga.Submit(req) {
		s.drive()
	} else {
		s.logger.Debug("request queued", "command", req.command, "queued", s.saga.Queued())
	}
}

func (s *Session) activeRequest() *request {
	req, _ := s.saga.Active().(*request)
	return req
}

// drive runs steps while the active request has nothing in flight. Every step
// either issues legs or resolves the request.
func (s *Session) drive() {
	for {
		req := s.activeRequest()
		if req == nil || s.saga.Legs() > 0 {
			return
		}
		if !req.dispatched {
			req.dispatched = true
			s.dispatch(req)
			continue
		}
		s.advance(req)
	}
}

func (s *Session) dispatch(req *request) {
	s.logger.Debug("dispatch", "command", req.command)
	if (s.saga.Closed() || s.saga.Disconnected()) && req.command != CommandSessionTerminate {
		s.saga.Fail(api.StatusFailure)
		s.resolve(req)
		return
	}
	if s.saga.Closed() {
		// already terminated: same answer as a terminate submitted after close
		s.resolve(req)
		return
	}
	switch req.command {
	case CommandChannelAdd:
		s.dispatchAdd(req)
	case CommandChannelRemove:
		s.dispatchRemove(req)
	case CommandSessionUpdate:
		s.saga.Enter(session.StateGeneratingOffer)
	case CommandSessionTerminate:
		s.dispatchTerminate()
	case CommandResourceDiscover:
		s.saga.Enter(session.StateDiscovering)
		s.sigLeg(msgSigDiscoverResponse, s.sig.Discover)
	case CommandMessage:
		s.dispatchMessage(req)
	default:
		s.saga.Fail(api.StatusFailure)
		s.resolve(req)
	}
}

func (s *Session) advance(req *request) {
	switch req.command {
	case CommandChannelAdd:
		s.advanceAdd(req)
	case CommandChannelRemove:
		s.advanceRemove(req)
	case CommandSessionUpdate:
		s.advanceUpdate(req)
	case CommandSessionTerminate:
		s.finishTerminate(req)
	default:
		s.resolve(req)
	}
}

// Channel add: terminations, offer, answer, then control and media apply.

func (s *Session) dispatchAdd(req *request) {
	ch := req.channel
	if ch.state != channelIdle {
		s.logger.Warn("channel already added", "resource", ch.resource)
		s.saga.Fail(api.StatusFailure)
		s.resolve(req)
		return
	}
	ch.state = channelAdding
	ch.slot = len(s.channels)
	s.channels = append(s.channels, ch)

	s.saga.Enter(session.StateGeneratingOffer)
	s.ensureMediaContext()
	if ch.termination != nil {
		s.mediaLeg(&api.MediaRequest{Command: api.MediaAdd, Context: s.media, Termination: ch.termination})
	}
	if ch.rtp != nil {
		s.mediaLeg(&api.MediaRequest{
			Command:     api.MediaAdd,
			Context:     s.media,
			Termination: ch.rtp,
			Descriptor:  &api.RTPTerminationDescriptor{Local: s.localAudio(ch)},
		})
	}
}

func (s *Session) advanceAdd(req *request) {
	ch := req.channel
	if s.saga.Status() != api.StatusSuccess && !req.rollback {
		s.rollbackAdd(req)
		return
	}
	switch s.saga.State() {
	case session.StateGeneratingOffer:
		s.sendOffer()
	case session.StateAwaitingAnswer:
		s.applyAnswer(ch)
	case session.StateApplyingMedia:
		ch.state = channelActive
		s.resolve(req)
	default:
		ch.state = channelRemoved
		s.resolve(req)
	}
}

func (s *Session) applyAnswer(ch *Channel) {
	s.saga.Enter(session.StateApplyingMedia)
	cd := s.answerControl(ch)
	if cd == nil || cd.Port == 0 {
		s.logger.Warn("channel rejected by answer", "resource", ch.resource)
		s.saga.IssueInvalid()
		return
	}
	ch.remoteControl = cd
	if ch.control != nil {
		s.controlLeg(ch, func() error { return ch.control.Add(cd.Clone()) })
	}
	ch.remoteRTP = s.answerAudio(ch, cd)
	if ch.rtpAdded && ch.remoteRTP != nil {
		s.mediaLeg(&api.MediaRequest{
			Command:     api.MediaModify,
			Context:     s.media,
			Termination: ch.rtp,
			Descriptor:  &api.RTPTerminationDescriptor{Local: ch.localRTP, Remote: ch.remoteRTP},
		})
	}
	if ch.termAdded && ch.rtpAdded {
		s.mediaLeg(&api.MediaRequest{Command: api.MediaAddAssociation, Context: s.media, Termination: ch.termination, Associated: ch.rtp})
		s.mediaLeg(&api.MediaRequest{Command: api.MediaApplyTopology, Context: s.media})
	}
}

// rollbackAdd releases whatever a failed add managed to acquire.
func (s *Session) rollbackAdd(req *request) {
	ch := req.channel
	req.rollback = true
	ch.state = channelRemoving
	s.saga.Enter(session.StateDeactivating)
	if ch.control != nil {
		ch.control.Destroy()
		ch.controlAdded = false
	}
	s.releaseMedia(ch)
}

// Channel remove: detach audio, offer with the channel disabled, then release.

func (s *Session) dispatchRemove(req *request) {
	ch := req.channel
	if ch.state != channelActive {
		s.logger.Warn("channel not active", "resource", ch.resource)
		s.saga.Fail(api.StatusFailure)
		s.resolve(req)
		return
	}
	ch.state = channelRemoving
	s.saga.Enter(session.StateDeactivating)
	if ch.associated {
		s.mediaLeg(&api.MediaRequest{Command: api.MediaRemoveAssociation, Context: s.media, Termination: ch.termination, Associated: ch.rtp})
		s.mediaLeg(&api.MediaRequest{Command: api.MediaApplyTopology, Context: s.media})
	}
}

func (s *Session) advanceRemove(req *request) {
	ch := req.channel
	switch s.saga.State() {
	case session.StateDeactivating:
		s.sendOffer()
	case session.StateAwaitingAnswer:
		s.saga.Enter(session.StateApplyingMedia)
		if ch.control != nil && ch.controlAdded {
			s.controlLeg(ch, ch.control.Remove)
		}
		s.releaseMedia(ch)
	default:
		if ch.control != nil {
			ch.control.Destroy()
		}
		ch.state = channelRemoved
		s.resolve(req)
	}
}

// Session update: offer, answer, remote RTP refresh.

func (s *Session) advanceUpdate(req *request) {
	switch s.saga.State() {
	case session.StateGeneratingOffer:
		s.sendOffer()
	case session.StateAwaitingAnswer:
		if s.saga.Status() != api.StatusSuccess {
			s.resolve(req)
			return
		}
		s.saga.Enter(session.StateApplyingMedia)
		for _, ch := range s.channels {
			if ch.state != channelActive || !ch.rtpAdded {
				continue
			}
			remote := s.answerAudio(ch, s.answerControl(ch))
			if remote == nil {
				continue
			}
			ch.remoteRTP = remote
			s.mediaLeg(&api.MediaRequest{
				Command:     api.MediaModify,
				Context:     s.media,
				Termination: ch.rtp,
				Descriptor:  &api.RTPTerminationDescriptor{Local: ch.localRTP, Remote: remote},
			})
		}
	default:
		s.resolve(req)
	}
}

// Session terminate.

func (s *Session) dispatchTerminate() {
	s.saga.Enter(session.StateTerminating)
	for _, ch := range s.channels {
		if ch.control != nil && ch.controlAdded {
			s.controlLeg(ch, ch.control.Remove)
		}
		if ch.termAdded {
			s.mediaLeg(&api.MediaRequest{Command: api.MediaSubtract, Context: s.media, Termination: ch.termination})
		}
		if ch.rtpAdded {
			s.mediaLeg(&api.MediaRequest{Command: api.MediaSubtract, Context: s.media, Termination: ch.rtp})
		}
	}
	if s.offered {
		s.sigLeg(msgSigTerminateResponse, s.sig.Terminate)
	}
}

func (s *Session) finishTerminate(req *request) {
	for _, ch := range s.channels {
		if ch.control != nil {
			ch.control.Destroy()
		}
		ch.state = channelRemoved
	}
	s.saga.Close()
	s.stack.remove(s)
	s.logger.Info("session terminated", "id", s.ID(), "status", s.saga.Status())
	s.resolve(req)
}

// Control message.

func (s *Session) dispatchMessage(req *request) {
	ch := req.channel
	if s.ID() == "" || ch.state != channelActive {
		s.logger.Warn("message before channel negotiation", "resource", ch.resource, "method", req.control.Method)
		s.saga.Fail(api.StatusFailure)
		s.resolve(req)
		return
	}
	m := req.control
	m.SessionID = s.ID()
	m.Resource = ch.resource
	s.saga.Enter(session.StateAwaitingResponse)
	if ch.control != nil {
		if s.leg(func() error { return ch.control.Send(m) }) {
			ch.waitingResponse = true
		}
		return
	}
	s.sigLeg(msgSigControlResponse, func() error { return s.sig.Control(m) })
}

func (s *Session) resolve(req *request) {
	msg := s.responseFor(req, s.saga.Status())
	if req.command != CommandSessionTerminate && !s.saga.Closed() && s.saga.TakeTerminateEvent() {
		msg = &AppMessage{Kind: KindTerminateEvent, Session: s, Channel: req.channel}
	}
	s.logger.Debug("request resolved", "command", req.command, "status", s.saga.Status())
	s.saga.Next()
	s.raise(msg)
}

func (s *Session) responseFor(req *request, status api.Status) *AppMessage {
	m := &AppMessage{
		Kind:    KindResponse,
		Command: req.command,
		Session: s,
		Channel: req.channel,
		Status:  status,
	}
	switch req.command {
	case CommandSessionUpdate, CommandChannelAdd, CommandChannelRemove:
		m.Descriptor = s.answer
	case CommandResourceDiscover:
		m.Resources = req.resources
	case CommandMessage:
		m.Control = req.response
		if m.Control == nil {
			m.Control = req.control.NewResponse(api.StatusCodeMethodFailed, api.RequestComplete)
		}
	}
	return m
}

func (s *Session) raise(m *AppMessage) {
	s.handler(m)
}

// Legs.

// leg sends one sub-request. A send that fails synchronously still counts,
// completed at once with failure.
func (s *Session) leg(send func() error) bool {
	if err := send(); err != nil {
		s.logger.Warn("leg not sent", "state", s.saga.State(), "err", err)
		s.saga.IssueInvalid()
		return false
	}
	s.saga.Issue()
	return true
}

func (s *Session) sigLeg(expect int, send func() error) {
	if s.leg(send) {
		s.sigWaiting = expect
	}
}

func (s *Session) controlLeg(ch *Channel, send func() error) {
	if s.leg(send) {
		ch.waitingControl = true
	}
}

func (s *Session) mediaLeg(req *api.MediaRequest) {
	if s.profile.Media == nil {
		return
	}
	if s.leg(func() error { return s.profile.Media.Request(req) }) {
		s.mediaWaiting++
	}
}

func (s *Session) releaseMedia(ch *Channel) {
	if ch.associated {
		s.mediaLeg(&api.MediaRequest{Command: api.MediaRemoveAssociation, Context: s.media, Termination: ch.termination, Associated: ch.rtp})
	}
	if ch.termAdded {
		s.mediaLeg(&api.MediaRequest{Command: api.MediaSubtract, Context: s.media, Termination: ch.termination})
	}
	if ch.rtpAdded {
		s.mediaLeg(&api.MediaRequest{Command: api.MediaSubtract, Context: s.media, Termination: ch.rtp})
	}
}

func (s *Session) sendOffer() {
	s.saga.Enter(session.StateAwaitingAnswer)
	s.offer = s.buildOffer()
	s.offered = true
	offer := s.offer.Clone()
	s.sigLeg(msgSigAnswer, func() error { return s.sig.Offer(offer) })
}

// Descriptors.

func (s *Session) localIP() string {
	if s.profile.LocalIP != "" {
		return s.profile.LocalIP
	}
	return defaultLocalIP
}

func (s *Session) localAudio(ch *Channel) *api.RTPMediaDescriptor {
	if ch.localRTP != nil {
		d := ch.localRTP.Clone()
		d.ID, d.MID = ch.slot, ch.slot+1
		return d
	}
	return &api.RTPMediaDescriptor{
		ID:      ch.slot,
		MID:     ch.slot + 1,
		IP:      s.localIP(),
		Mode:    ch.rtpMode(),
		PTime:   s.profile.PTime,
		Enabled: true,
		Codecs:  append([]api.Codec(nil), s.profile.Codecs...),
	}
}

// buildOffer lists every channel ever added in slot order. Removed channels
// keep their slot with port 0.
func (s *Session) buildOffer() *api.SessionDescriptor {
	d := &api.SessionDescriptor{Origin: offerOrigin, IP: s.localIP()}
	for _, ch := range s.channels {
		disabled := ch.state == channelRemoving || ch.state == channelRemoved
		cd := &api.ControlDescriptor{
			ID:           ch.slot,
			IP:           d.IP,
			Port:         discardPort,
			Proto:        controlProto,
			Setup:        api.SetupActive,
			Connection:   api.ConnectionNew,
			ResourceName: ch.resource,
			SessionID:    s.ID(),
		}
		if disabled {
			cd.Port = 0
		}
		if ch.rtp != nil {
			am := s.localAudio(ch)
			if disabled {
				am.Port = 0
				am.Mode = api.ModeNone
				am.Enabled = false
			}
			cd.CMID = am.MID
			d.AudioMedia = append(d.AudioMedia, am)
		}
		d.ControlMedia = append(d.ControlMedia, cd)
	}
	return d
}

func (s *Session) answerControl(ch *Channel) *api.ControlDescriptor {
	if s.answer == nil {
		return nil
	}
	for _, cd := range s.answer.ControlMedia {
		if cd.ID == ch.slot {
			return cd
		}
	}
	return nil
}

func (s *Session) answerAudio(ch *Channel, cd *api.ControlDescriptor) *api.RTPMediaDescriptor {
	if s.answer == nil {
		return nil
	}
	mid := ch.slot + 1
	if cd != nil && cd.CMID > 0 {
		mid = cd.CMID
	}
	for _, am := range s.answer.AudioMedia {
		if am.MID == mid {
			return am
		}
	}
	return nil
}

func (s *Session) adoptSessionID(d *api.SessionDescriptor) {
	if s.ID() != "" {
		return
	}
	for _, cd := range d.ControlMedia {
		if cd.SessionID != "" {
			id := cd.SessionID
			s.id.Store(&id)
			s.saga.SetID(id)
			s.logger = s.logger.With("id", id)
			return
		}
	}
}

func (s *Session) ensureMediaContext() {
	if s.media == nil && s.profile.Media != nil {
		s.media = s.profile.Media.CreateContext(s.handle, s)
	}
}

// Completions, on the stack goroutine.

func (s *Session) onSignaling(subtype int, ev *signalingEvent) {
	if subtype == msgSigTerminateEvent {
		s.onPeerLost(nil)
		return
	}
	if s.sigWaiting != subtype {
		s.logger.Warn("unexpected signaling response", "subtype", subtype, "waiting", s.sigWaiting)
		return
	}
	s.sigWaiting = 0
	status := api.StatusSuccess
	req := s.activeRequest()
	switch subtype {
	case msgSigAnswer:
		if ev.descriptor == nil {
			status = api.StatusFailure
			break
		}
		s.answer = ev.descriptor
		s.adoptSessionID(ev.descriptor)
		if ev.descriptor.Status != api.SessionOK {
			s.logger.Warn("offer rejected", "status", ev.descriptor.Status)
			status = api.StatusFailure
		}
	case msgSigControlResponse:
		if req != nil && ev.control != nil {
			req.response = ev.control
			status = responseStatus(ev.control)
		} else {
			status = api.StatusFailure
		}
	case msgSigDiscoverResponse:
		if req != nil && ev.resources != nil {
			req.resources = ev.resources
		} else {
			status = api.StatusFailure
		}
	}
	s.saga.Complete(status)
	s.drive()
}

func (s *Session) onChannel(subtype int, ev *channelEvent) {
	ch := ev.channel
	switch subtype {
	case msgChannelReceive:
		s.onControlMessage(ch, ev.control)
		return
	case msgChannelDisconnect:
		s.onPeerLost(ch)
		return
	}
	if !ch.waitingControl {
		s.logger.Warn("unexpected channel completion", "resource", ch.resource, "subtype", subtype)
		return
	}
	ch.waitingControl = false
	switch subtype {
	case msgChannelAdd, msgChannelModify:
		if ev.status == api.StatusSuccess {
			ch.controlAdded = true
		}
	case msgChannelRemove:
		ch.controlAdded = false
	}
	s.saga.Complete(ev.status)
	s.drive()
}

func (s *Session) onControlMessage(ch *Channel, m *api.ControlMessage) {
	if m == nil {
		return
	}
	switch m.Kind {
	case api.ControlEvent:
		s.raise(&AppMessage{Kind: KindControlEvent, Command: CommandMessage, Session: s, Channel: ch, Control: m})
	case api.ControlResponse:
		req := s.activeRequest()
		if !ch.waitingResponse || req == nil || req.command != CommandMessage || req.control.RequestID != m.RequestID {
			s.logger.Warn("unexpected control response", "resource", ch.resource, "request_id", m.RequestID)
			return
		}
		ch.waitingResponse = false
		req.response = m
		s.saga.Complete(responseStatus(m))
		s.drive()
	default:
		s.logger.Warn("unexpected control request", "resource", ch.resource, "method", m.Method)
	}
}

func (s *Session) onMedia(resp *api.MediaResponse) {
	if s.mediaWaiting == 0 {
		s.logger.Warn("unexpected media response", "command", resp.Command)
		return
	}
	s.mediaWaiting--
	if resp.Status == api.StatusSuccess {
		s.applyMediaResult(resp)
	}
	s.saga.Complete(resp.Status)
	s.drive()
}

func (s *Session) applyMediaResult(resp *api.MediaResponse) {
	if resp.Termination == nil {
		return
	}
	for _, ch := range s.channels {
		switch resp.Termination {
		case ch.rtp:
			switch resp.Command {
			case api.MediaAdd, api.MediaModify:
				ch.rtpAdded = true
				if resp.Descriptor != nil && resp.Descriptor.Local != nil {
					ch.localRTP = resp.Descriptor.Local
				}
			case api.MediaSubtract:
				ch.rtpAdded = false
				ch.associated = false
			}
			return
		case ch.termination:
			switch resp.Command {
			case api.MediaAdd:
				ch.termAdded = true
			case api.MediaSubtract:
				ch.termAdded = false
				ch.associated = false
			case api.MediaAddAssociation:
				ch.associated = true
			case api.MediaRemoveAssociation:
				ch.associated = false
			}
			return
		}
	}
}

// onPeerLost fails every leg that can no longer complete and latches the
// disconnect. ch is nil for signaling loss.
func (s *Session) onPeerLost(ch *Channel) {
	if ch == nil {
		s.logger.Warn("signaling peer lost")
		if s.sigWaiting != 0 {
			s.sigWaiting = 0
			s.saga.Complete(api.StatusFailure)
		}
	} else {
		s.logger.Warn("control connection lost", "resource", ch.resource)
		s.failChannelLegs(ch)
	}
	if s.saga.Closed() {
		return
	}
	if s.saga.Disconnect() {
		s.raise(&AppMessage{Kind: KindTerminateEvent, Session: s, Channel: ch})
		return
	}
	s.drive()
}

func (s *Session) failChannelLegs(ch *Channel) {
	ch.controlAdded = false
	if ch.waitingControl {
		ch.waitingControl = false
		s.saga.Complete(api.StatusFailure)
	}
	if ch.waitingResponse {
		ch.waitingResponse = false
		if req := s.activeRequest(); req != nil && req.control != nil {
			req.response = req.control.NewResponse(api.StatusCodeMethodFailed, api.RequestComplete)
		}
		s.saga.Complete(api.StatusFailure)
	}
}

func responseStatus(m *api.ControlMessage) api.Status {
	if m.StatusCode >= 200 && m.StatusCode < 300 {
		return api.StatusSuccess
	}
	return api.StatusFailure
}

// ClientSignalingHandler and MediaEventHandler, posted to the stack goroutine.

type signalingEvent struct {
	session    *Session
	descriptor *api.SessionDescriptor
	control    *api.ControlMessage
	resources  *api.ResourceDescriptor
}

type mediaEvent struct {
	session *Session
	resp    *api.MediaResponse
}

func (s *Session) postSignaling(subtype int, ev *signalingEvent) {
	ev.session = s
	if err := s.stack.deliver(subtype, ev); err != nil {
		s.logger.Warn("signaling event dropped", "subtype", subtype, "err", err)
	}
}

func (s *Session) OnAnswer(d *api.SessionDescriptor) {
	s.postSignaling(msgSigAnswer, &signalingEvent{descriptor: d})
}

func (s *Session) OnTerminateResponse() {
	s.postSignaling(msgSigTerminateResponse, &signalingEvent{})
}

func (s *Session) OnControlResponse(m *api.ControlMessage) {
	s.postSignaling(msgSigControlResponse, &signalingEvent{control: m})
}

func (s *Session) OnDiscoverResponse(d *api.ResourceDescriptor) {
	s.postSignaling(msgSigDiscoverResponse, &signalingEvent{resources: d})
}

func (s *Session) OnTerminateEvent() {
	s.postSignaling(msgSigTerminateEvent, &signalingEvent{})
}

func (s *Session) OnMediaResponse(resp *api.MediaResponse) {
	if err := s.stack.deliver(msgMediaResponse, &mediaEvent{session: s, resp: resp}); err != nil {
		s.logger.Warn("media event dropped", "command", resp.Command, "err", err)
	}
}
