// File: client/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel is one resource attached to a client session: an optional control
// connection, an optional audio termination and the RTP termination that
// carries its audio to the server.

package client

import (
	"github.com/google/uuid"

	"github.com/momentics/hioload-mrcp/api"
)

type channelState int

const (
	channelIdle channelState = iota
	channelAdding
	channelActive
	channelRemoving
	channelRemoved
)

// Channel is created by Session.CreateChannel and owned by the stack goroutine
// once submitted.
type Channel struct {
	resource    string
	session     *Session
	slot        int
	state       channelState
	control     api.ControlChannel
	termination *api.Termination
	rtp         *api.Termination

	localRTP      *api.RTPMediaDescriptor
	remoteRTP     *api.RTPMediaDescriptor
	remoteControl *api.ControlDescriptor

	controlAdded bool
	termAdded    bool
	rtpAdded     bool
	associated   bool

	waitingControl  bool
	waitingResponse bool
}

// Resource returns the resource name, e.g. "speechsynth".
func (c *Channel) Resource() string { return c.resource }

// Session returns the owning session.
func (c *Channel) Session() *Session { return c.session }

// ID returns the control channel identifier assigned by the server,
// empty until the channel is added.
func (c *Channel) ID() string {
	id := c.session.ID()
	if id == "" {
		return ""
	}
	return api.ChannelID(id, c.resource)
}

// Active reports whether the channel completed negotiation.
func (c *Channel) Active() bool { return c.state == channelActive }

// LocalRTP returns the locally bound RTP descriptor, nil without media.
func (c *Channel) LocalRTP() *api.RTPMediaDescriptor { return c.localRTP }

// RemoteRTP returns the server's RTP descriptor from the last answer.
func (c *Channel) RemoteRTP() *api.RTPMediaDescriptor { return c.remoteRTP }

func newChannel(s *Session, resource string, stream api.AudioStream) *Channel {
	ch := &Channel{resource: resource, session: s, slot: -1}
	if s.profile.Connection != nil {
		ch.control = s.profile.Connection.CreateChannel(ch)
	}
	if s.profile.Media != nil {
		ch.rtp = s.profile.Media.CreateRTPTermination(resource)
		if stream != nil {
			ch.termination = &api.Termination{ID: uuid.NewString(), Name: resource, Stream: stream}
		}
	}
	return ch
}

// rtpMode is the direction this side wants on the wire.
func (c *Channel) rtpMode() api.StreamMode {
	if c.termination != nil && c.termination.Stream != nil {
		return c.termination.Stream.Mode()
	}
	return api.ModeSendReceive
}

// ChannelEventHandler, posted to the stack goroutine.

type channelEvent struct {
	channel    *Channel
	descriptor *api.ControlDescriptor
	status     api.Status
	control    *api.ControlMessage
}

func (c *Channel) post(subtype int, ev *channelEvent) {
	ev.channel = c
	if err := c.session.stack.deliver(subtype, ev); err != nil {
		c.session.logger.Warn("channel event dropped", "resource", c.resource, "subtype", subtype, "err", err)
	}
}

func (c *Channel) OnAdd(d *api.ControlDescriptor, status api.Status) {
	c.post(msgChannelAdd, &channelEvent{descriptor: d, status: status})
}

func (c *Channel) OnModify(d *api.ControlDescriptor, status api.Status) {
	c.post(msgChannelModify, &channelEvent{descriptor: d, status: status})
}

func (c *Channel) OnRemove(status api.Status) {
	c.post(msgChannelRemove, &channelEvent{status: status})
}

func (c *Channel) OnReceive(m *api.ControlMessage) {
	c.post(msgChannelReceive, &channelEvent{control: m})
}

func (c *Channel) OnDisconnect() {
	c.post(msgChannelDisconnect, &channelEvent{})
}
