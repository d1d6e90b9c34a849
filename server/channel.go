// File: server/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel binds one offered resource to its engine channel, control
// connection and media terminations.

package server

import "github.com/momentics/hioload-mrcp/api"

type channelState int

const (
	channelRejected channelState = iota
	channelAdding
	channelActive
	channelRemoving
	channelRemoved
)

// Channel is owned by the stack goroutine.
type Channel struct {
	session  *Session
	resource string
	slot     int
	state    channelState
	failed   bool

	engine      api.EngineChannel
	control     api.ControlChannel
	termination *api.Termination
	rtp         *api.Termination

	localControl *api.ControlDescriptor
	localRTP     *api.RTPMediaDescriptor
	remoteRTP    *api.RTPMediaDescriptor

	controlAdded bool
	engineOpen   bool
	termAdded    bool
	rtpAdded     bool
	associated   bool

	waitingControl  bool
	waitingEngine   bool
	waitingResponse bool
	waitingID       uint32
}

// Resource returns the resource name.
func (c *Channel) Resource() string { return c.resource }

// ID returns the sessionid@resource identifier.
func (c *Channel) ID() string { return api.ChannelID(c.session.ID(), c.resource) }

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

// api.ChannelEventHandler

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

// api.EngineChannelHandler

func (c *Channel) OnOpen(status api.Status) {
	c.post(msgEngineOpen, &channelEvent{status: status})
}

func (c *Channel) OnClose() {
	c.post(msgEngineClose, &channelEvent{status: api.StatusSuccess})
}

func (c *Channel) OnMessage(m *api.ControlMessage) {
	c.post(msgEngineMessage, &channelEvent{control: m})
}
