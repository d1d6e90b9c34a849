// File: server/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server session coordinator. An offer is answered in two steps: channel
// setup (control add, engine open, termination adds) and media apply
// (associations, topology). The answer goes out once both drained. A lost peer
// latches the disconnect and tears the session down through an internal
// terminate that sends no response.

package server

import (
	"encoding/hex"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/internal/session"
)

const discardPort = 9

type requestKind int

const (
	reqOffer requestKind = iota + 1
	reqTerminate
	reqControl
	reqDiscover
)

func (k requestKind) String() string {
	switch k {
	case reqOffer:
		return "offer"
	case reqTerminate:
		return "terminate"
	case reqControl:
		return "control"
	case reqDiscover:
		return "discover"
	default:
		return "unknown"
	}
}

type request struct {
	kind         requestKind
	descriptor   *api.SessionDescriptor
	control      *api.ControlMessage
	channel      *Channel
	viaSignaling bool
	internal     bool
	dispatched   bool
	response     *api.ControlMessage
}

// Session is a server session.
type Session struct {
	stack  *Stack
	handle string
	sig    api.ServerSignalingSession
	saga   *session.Saga
	logger *log.Logger

	id           atomic.Pointer[string]
	channels     []*Channel
	offer        *api.SessionDescriptor
	answer       *api.SessionDescriptor
	media        *api.MediaContext
	answerStatus api.SessionStatus
	mediaWaiting int
	rejected     bool
}

func newSession(st *Stack, handle string, sig api.ServerSignalingSession) *Session {
	logger := st.logger.With("session", handle)
	return &Session{
		stack:  st,
		handle: handle,
		sig:    sig,
		logger: logger,
		saga:   session.NewSaga(handle, logger, st.diag),
	}
}

// newSessionID returns 16 hex characters.
func newSessionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

// ID returns the session id, empty until the first offer is answered. Safe
// from any goroutine.
func (s *Session) ID() string {
	if id := s.id.Load(); id != nil {
		return *id
	}
	return ""
}

func (s *Session) submit(req *request) {
	if s.saga.Closed() {
		s.logger.Warn("request on terminated session", "kind", req.kind)
		s.saga.Fail(api.StatusFailure)
		s.answerStatus = api.SessionError
		s.respond(req)
		return
	}
	if s.saga.Submit(req) {
		s.drive()
	}
}

func (s *Session) activeRequest() *request {
	req, _ := s.saga.Active().(*request)
	return req
}

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
	s.logger.Debug("dispatch", "kind", req.kind)
	if req.kind == reqOffer {
		s.offer = req.descriptor
		s.answerStatus = api.SessionOK
	}
	if s.saga.Closed() || (s.saga.Disconnected() && req.kind != reqTerminate) {
		s.saga.Fail(api.StatusFailure)
		s.answerStatus = api.SessionError
		s.resolve(req)
		return
	}
	switch req.kind {
	case reqOffer:
		s.dispatchOffer(req)
	case reqTerminate:
		s.dispatchTerminate()
	case reqControl:
		s.dispatchControl(req)
	case reqDiscover:
		s.saga.Enter(session.StateDiscovering)
	}
}

func (s *Session) advance(req *request) {
	switch req.kind {
	case reqOffer:
		s.advanceOffer(req)
	case reqTerminate:
		s.finishTerminate(req)
	default:
		s.resolve(req)
	}
}

// Offer.

func (s *Session) dispatchOffer(req *request) {
	d := req.descriptor
	if d == nil {
		s.answerStatus = api.SessionError
		s.saga.Fail(api.StatusFailure)
		s.resolve(req)
		return
	}
	if s.ID() == "" {
		id := newSessionID()
		s.id.Store(&id)
		s.saga.SetID(id)
		s.logger = s.logger.With("id", id)
		s.logger.Info("session established")
	}
	s.saga.Enter(session.StateGeneratingAnswer)
	if s.rejected {
		s.answerStatus = api.SessionUnavailableResource
		return
	}
	s.ensureMediaContext()
	for i, cd := range d.ControlMedia {
		if i < len(s.channels) {
			s.modifyChannel(s.channels[i], cd, d)
		} else {
			s.addChannel(i, cd, d)
		}
	}
}

func (s *Session) addChannel(slot int, cd *api.ControlDescriptor, d *api.SessionDescriptor) {
	ch := &Channel{session: s, resource: cd.ResourceName, slot: slot}
	s.channels = append(s.channels, ch)
	if cd.Port == 0 {
		return
	}
	eng, ok := s.stack.engines[cd.ResourceName]
	if !ok {
		s.logger.Warn("no such resource", "resource", cd.ResourceName)
		s.setAnswerStatus(api.SessionNoSuchResource)
		s.saga.IssueInvalid()
		return
	}
	ec, err := eng.CreateChannel(ch)
	if err != nil {
		s.logger.Warn("engine channel", "resource", cd.ResourceName, "err", err)
		s.setAnswerStatus(api.SessionUnavailableResource)
		s.saga.IssueInvalid()
		return
	}
	ch.engine = ec
	ch.state = channelAdding

	if agent := s.stack.profile.Connection; agent != nil {
		ch.control = agent.CreateChannel(ch)
		local := cd.Clone()
		local.SessionID = s.ID()
		s.controlLeg(ch, func() error { return ch.control.Add(local) })
	}
	s.engineLeg(ch, ec.Open)

	if s.media == nil {
		return
	}
	if t := ec.Termination(); t != nil {
		ch.termination = t
		s.mediaLeg(&api.MediaRequest{Command: api.MediaAdd, Context: s.media, Termination: t})
	}
	am := audioFor(d, cd)
	if am == nil {
		return
	}
	codecs := negotiate(am.Codecs, eng.Codecs())
	if len(codecs) == 0 {
		s.logger.Warn("no common codec", "resource", cd.ResourceName)
		s.setAnswerStatus(api.SessionUnacceptableResource)
		ch.failed = true
		return
	}
	ch.remoteRTP = am
	ch.rtp = s.stack.profile.Media.CreateRTPTermination(cd.ResourceName)
	s.mediaLeg(&api.MediaRequest{
		Command:     api.MediaAdd,
		Context:     s.media,
		Termination: ch.rtp,
		Descriptor: &api.RTPTerminationDescriptor{
			Local: &api.RTPMediaDescriptor{
				ID:      am.ID,
				MID:     am.MID,
				IP:      s.stack.profile.IP,
				Mode:    am.Mode.Reverse(),
				PTime:   am.PTime,
				Enabled: true,
				Codecs:  codecs,
			},
			Remote: am,
		},
	})
}

func (s *Session) modifyChannel(ch *Channel, cd *api.ControlDescriptor, d *api.SessionDescriptor) {
	if ch.state != channelActive {
		return
	}
	if cd.Port == 0 {
		s.deactivate(ch)
		return
	}
	if ch.control != nil && ch.controlAdded {
		local := cd.Clone()
		local.SessionID = s.ID()
		s.controlLeg(ch, func() error { return ch.control.Modify(local) })
	}
	if am := audioFor(d, cd); am != nil && ch.rtpAdded {
		ch.remoteRTP = am
		s.mediaLeg(&api.MediaRequest{
			Command:     api.MediaModify,
			Context:     s.media,
			Termination: ch.rtp,
			Descriptor:  &api.RTPTerminationDescriptor{Local: ch.localRTP, Remote: am},
		})
	}
}

// deactivate handles a channel offered with port 0.
func (s *Session) deactivate(ch *Channel) {
	ch.state = channelRemoving
	if ch.control != nil && ch.controlAdded {
		s.controlLeg(ch, ch.control.Remove)
	}
	s.release(ch)
}

// release closes the engine channel and drops its media.
func (s *Session) release(ch *Channel) {
	if ch.engine != nil && ch.engineOpen {
		s.engineLeg(ch, ch.engine.Close)
	}
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

func (s *Session) advanceOffer(req *request) {
	if s.saga.State() != session.StateGeneratingAnswer {
		for _, ch := range s.channels {
			switch ch.state {
			case channelAdding:
				ch.state = channelActive
			case channelRemoving:
				if ch.control != nil {
					ch.control.Destroy()
				}
				ch.state = channelRemoved
			}
		}
		s.resolve(req)
		return
	}
	s.saga.Enter(session.StateApplyingMedia)
	topology := false
	for _, ch := range s.channels {
		switch ch.state {
		case channelAdding:
			if ch.failed {
				s.rollback(ch)
				topology = true
				continue
			}
			if ch.termAdded && ch.rtpAdded && !ch.associated {
				s.mediaLeg(&api.MediaRequest{Command: api.MediaAddAssociation, Context: s.media, Termination: ch.termination, Associated: ch.rtp})
				topology = true
			}
		case channelRemoving:
			topology = true
		}
	}
	if topology && s.media != nil {
		s.mediaLeg(&api.MediaRequest{Command: api.MediaApplyTopology, Context: s.media})
	}
}

// rollback releases a channel whose setup failed; it is answered with port 0.
func (s *Session) rollback(ch *Channel) {
	s.logger.Warn("channel setup failed", "resource", ch.resource)
	ch.state = channelRemoving
	if ch.control != nil {
		ch.control.Destroy()
		ch.controlAdded = false
	}
	s.release(ch)
	if s.answerStatus == api.SessionOK {
		s.answerStatus = api.SessionUnavailableResource
	}
}

func (s *Session) setAnswerStatus(st api.SessionStatus) {
	if s.answerStatus == api.SessionOK {
		s.answerStatus = st
	}
}

func (s *Session) buildAnswer() *api.SessionDescriptor {
	a := &api.SessionDescriptor{Origin: s.ID(), IP: s.stack.profile.IP, Status: s.answerStatus}
	if s.offer == nil {
		return a
	}
	for i, cd := range s.offer.ControlMedia {
		ac := &api.ControlDescriptor{
			ID:           cd.ID,
			IP:           s.stack.profile.IP,
			Proto:        cd.Proto,
			Setup:        api.SetupPassive,
			Connection:   api.ConnectionNew,
			ResourceName: cd.ResourceName,
			SessionID:    s.ID(),
			CMID:         cd.CMID,
		}
		if ch := s.channelAt(i); ch != nil && ch.state == channelActive {
			ac.Port = discardPort
			if ch.localControl != nil {
				ac.IP = ch.localControl.IP
				ac.Port = ch.localControl.Port
				ac.Connection = ch.localControl.Connection
			}
		}
		a.ControlMedia = append(a.ControlMedia, ac)
	}
	for _, am := range s.offer.AudioMedia {
		ch := s.channelForAudio(am.MID)
		if ch != nil && ch.state == channelActive && ch.localRTP != nil {
			la := ch.localRTP.Clone()
			la.ID, la.MID = am.ID, am.MID
			a.AudioMedia = append(a.AudioMedia, la)
			continue
		}
		a.AudioMedia = append(a.AudioMedia, &api.RTPMediaDescriptor{ID: am.ID, MID: am.MID, IP: s.stack.profile.IP})
	}
	return a
}

// Terminate.

func (s *Session) dispatchTerminate() {
	s.saga.Enter(session.StateTerminating)
	for _, ch := range s.channels {
		if ch.control != nil && ch.controlAdded {
			s.controlLeg(ch, ch.control.Remove)
		}
		s.release(ch)
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
	s.logger.Info("session terminated", "internal", req.internal, "status", s.saga.Status())
	s.resolve(req)
}

// Control requests are forwarded to the engine; events pass straight back.

func (s *Session) dispatchControl(req *request) {
	m := req.control
	ch := s.channelByResource(m.Resource)
	if ch == nil || ch.state != channelActive || ch.engine == nil {
		s.logger.Warn("request for inactive channel", "resource", m.Resource, "method", m.Method)
		req.response = m.NewResponse(api.StatusCodeMethodNotValid, api.RequestComplete)
		s.saga.Fail(api.StatusFailure)
		s.resolve(req)
		return
	}
	req.channel = ch
	s.saga.Enter(session.StateAwaitingResponse)
	if s.leg(func() error { return ch.engine.ProcessRequest(m) }) {
		ch.waitingResponse = true
		ch.waitingID = m.RequestID
	}
}

func (s *Session) sendControl(ch *Channel, m *api.ControlMessage, viaSignaling bool) {
	var err error
	if viaSignaling || ch == nil || ch.control == nil {
		err = s.sig.ControlResponse(m)
	} else {
		err = ch.control.Send(m)
	}
	if err != nil {
		s.logger.Warn("control message not sent", "message", m.String(), "err", err)
	}
}

// Resolution.

func (s *Session) resolve(req *request) {
	s.respond(req)
	s.logger.Debug("request resolved", "kind", req.kind, "status", s.saga.Status())
	teardown := req.kind != reqTerminate && !s.saga.Closed() && s.saga.TakeTerminateEvent()
	s.saga.Next()
	if teardown {
		s.submitTeardown()
	}
}

func (s *Session) respond(req *request) {
	var err error
	switch req.kind {
	case reqOffer:
		s.answer = s.buildAnswer()
		err = s.sig.Answer(s.answer)
	case reqTerminate:
		if !req.internal {
			err = s.sig.TerminateResponse()
		}
	case reqControl:
		resp := req.response
		if resp == nil {
			resp = req.control.NewResponse(api.StatusCodeMethodFailed, api.RequestComplete)
		}
		s.sendControl(req.channel, resp, req.viaSignaling)
	case reqDiscover:
		err = s.sig.DiscoverResponse(&api.ResourceDescriptor{Resources: s.stack.Resources(), Codecs: s.stack.codecs()})
	}
	if err != nil {
		s.logger.Warn("response not sent", "kind", req.kind, "err", err)
	}
}

// submitTeardown queues the terminate that follows a lost peer.
func (s *Session) submitTeardown() {
	s.logger.Info("peer lost, tearing down")
	s.saga.Submit(&request{kind: reqTerminate, internal: true})
}

// Legs.

func (s *Session) leg(send func() error) bool {
	if err := send(); err != nil {
		s.logger.Warn("leg not sent", "state", s.saga.State(), "err", err)
		s.saga.IssueInvalid()
		return false
	}
	s.saga.Issue()
	return true
}

func (s *Session) controlLeg(ch *Channel, send func() error) {
	if s.leg(send) {
		ch.waitingControl = true
	} else {
		ch.failed = true
	}
}

func (s *Session) engineLeg(ch *Channel, send func() error) {
	if s.leg(send) {
		ch.waitingEngine = true
	} else {
		ch.failed = true
	}
}

func (s *Session) mediaLeg(req *api.MediaRequest) {
	if s.stack.profile.Media == nil || s.media == nil {
		return
	}
	if s.leg(func() error { return s.stack.profile.Media.Request(req) }) {
		s.mediaWaiting++
	}
}

func (s *Session) ensureMediaContext() {
	if s.media == nil && s.stack.profile.Media != nil {
		s.media = s.stack.profile.Media.CreateContext(s.handle, s)
	}
}

// Lookups.

func (s *Session) channelAt(i int) *Channel {
	if i < 0 || i >= len(s.channels) {
		return nil
	}
	return s.channels[i]
}

func (s *Session) channelByResource(resource string) *Channel {
	for _, ch := range s.channels {
		if ch.resource == resource && ch.state == channelActive {
			return ch
		}
	}
	return nil
}

func (s *Session) channelForAudio(mid int) *Channel {
	if s.offer == nil {
		return nil
	}
	for i, cd := range s.offer.ControlMedia {
		if cd.CMID == mid {
			return s.channelAt(i)
		}
	}
	return nil
}

func (s *Session) channelForTermination(t *api.Termination) *Channel {
	if t == nil {
		return nil
	}
	for _, ch := range s.channels {
		if ch.rtp == t || ch.termination == t {
			return ch
		}
	}
	return nil
}

func audioFor(d *api.SessionDescriptor, cd *api.ControlDescriptor) *api.RTPMediaDescriptor {
	if cd.CMID <= 0 {
		return nil
	}
	for _, am := range d.AudioMedia {
		if am.MID == cd.CMID && am.Port != 0 {
			return am
		}
	}
	return nil
}

// negotiate keeps the offered codecs the engine supports, in offer order.
// An engine without a codec list accepts everything.
func negotiate(offered, supported []api.Codec) []api.Codec {
	if len(supported) == 0 {
		return append([]api.Codec(nil), offered...)
	}
	var out []api.Codec
	for _, o := range offered {
		for _, c := range supported {
			if o.Name == c.Name && o.Rate == c.Rate {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// Completions, on the stack goroutine.

func (s *Session) onSignaling(subtype int, ev *signalingEvent) {
	switch subtype {
	case msgSigOffer:
		s.submit(&request{kind: reqOffer, descriptor: ev.descriptor})
	case msgSigTerminate:
		s.submit(&request{kind: reqTerminate})
	case msgSigControl:
		s.submit(&request{kind: reqControl, control: ev.control, viaSignaling: true})
	case msgSigDiscover:
		s.submit(&request{kind: reqDiscover})
	case msgSigDisconnect:
		s.onPeerLost(nil)
	}
}

func (s *Session) onChannel(subtype int, ev *channelEvent) {
	ch := ev.channel
	switch subtype {
	case msgChannelReceive:
		if ev.control == nil || ev.control.Kind != api.ControlRequest {
			s.logger.Warn("unexpected control message", "resource", ch.resource)
			return
		}
		s.submit(&request{kind: reqControl, control: ev.control, channel: ch})
		return
	case msgChannelDisconnect:
		s.onPeerLost(ch)
		return
	case msgEngineMessage:
		s.onEngineMessage(ch, ev.control)
		return
	case msgEngineOpen, msgEngineClose:
		if !ch.waitingEngine {
			s.logger.Warn("unexpected engine completion", "resource", ch.resource, "subtype", subtype)
			return
		}
		ch.waitingEngine = false
		if subtype == msgEngineOpen && ev.status == api.StatusSuccess {
			ch.engineOpen = true
		} else if subtype == msgEngineClose {
			ch.engineOpen = false
		}
	default:
		if !ch.waitingControl {
			s.logger.Warn("unexpected channel completion", "resource", ch.resource, "subtype", subtype)
			return
		}
		ch.waitingControl = false
		switch subtype {
		case msgChannelAdd, msgChannelModify:
			if ev.status == api.StatusSuccess {
				ch.controlAdded = true
				if ev.descriptor != nil {
					ch.localControl = ev.descriptor
				}
			}
		case msgChannelRemove:
			ch.controlAdded = false
		}
	}
	if ev.status != api.StatusSuccess {
		ch.failed = true
	}
	s.saga.Complete(ev.status)
	s.drive()
}

func (s *Session) onEngineMessage(ch *Channel, m *api.ControlMessage) {
	if m == nil {
		return
	}
	m.SessionID = s.ID()
	m.Resource = ch.resource
	if m.Kind == api.ControlEvent {
		s.sendControl(ch, m, ch.control == nil)
		return
	}
	req := s.activeRequest()
	if !ch.waitingResponse || req == nil || req.kind != reqControl || ch.waitingID != m.RequestID {
		s.logger.Warn("unexpected engine response", "resource", ch.resource, "request_id", m.RequestID)
		return
	}
	ch.waitingResponse = false
	req.response = m
	status := api.StatusSuccess
	if m.StatusCode >= 300 {
		status = api.StatusFailure
	}
	s.saga.Complete(status)
	s.drive()
}

func (s *Session) onMedia(resp *api.MediaResponse) {
	if s.mediaWaiting == 0 {
		s.logger.Warn("unexpected media response", "command", resp.Command)
		return
	}
	s.mediaWaiting--
	if ch := s.channelForTermination(resp.Termination); ch != nil {
		if resp.Status != api.StatusSuccess {
			ch.failed = true
		} else {
			applyMediaResult(ch, resp)
		}
	}
	s.saga.Complete(resp.Status)
	s.drive()
}

func applyMediaResult(ch *Channel, resp *api.MediaResponse) {
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
	}
}

func (s *Session) onPeerLost(ch *Channel) {
	if ch != nil {
		s.logger.Warn("control connection lost", "resource", ch.resource)
		ch.controlAdded = false
		if ch.waitingControl {
			ch.waitingControl = false
			s.saga.Complete(api.StatusFailure)
		}
	} else {
		s.logger.Warn("signaling peer lost")
	}
	if s.saga.Closed() {
		return
	}
	if s.saga.Disconnect() {
		s.submitTeardown()
	}
	s.drive()
}

// api.ServerSignalingHandler and api.MediaEventHandler, posted to the stack goroutine.

type signalingEvent struct {
	session    *Session
	descriptor *api.SessionDescriptor
	control    *api.ControlMessage
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

func (s *Session) OnOffer(d *api.SessionDescriptor) {
	s.postSignaling(msgSigOffer, &signalingEvent{descriptor: d})
}

func (s *Session) OnTerminateRequest() {
	s.postSignaling(msgSigTerminate, &signalingEvent{})
}

func (s *Session) OnControlRequest(m *api.ControlMessage) {
	s.postSignaling(msgSigControl, &signalingEvent{control: m})
}

func (s *Session) OnDiscoverRequest() {
	s.postSignaling(msgSigDiscover, &signalingEvent{})
}

func (s *Session) OnDisconnect() {
	s.postSignaling(msgSigDisconnect, &signalingEvent{})
}

func (s *Session) OnMediaResponse(resp *api.MediaResponse) {
	if err := s.stack.deliver(msgMediaResponse, &mediaEvent{session: s, resp: resp}); err != nil {
		s.logger.Warn("media event dropped", "command", resp.Command, "err", err)
	}
}
