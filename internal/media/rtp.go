// File: internal/media/rtp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One RTP endpoint: a UDP socket, the negotiated local/remote descriptors and
// the outbound sequence/timestamp state.

package media

import (
	"fmt"
	"math/rand/v2"

	"github.com/pion/rtp"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/internal/transport"
	"github.com/momentics/hioload-mrcp/reactor"
)

const rtpHeaderSize = 12

var defaultCodec = api.Codec{PayloadType: 0, Name: "PCMU", Rate: 8000}

type rtpTermination struct {
	term   *api.Termination
	desc   *reactor.Descriptor
	local  *api.RTPMediaDescriptor
	remote *api.RTPMediaDescriptor
	peer   transport.Addr
	routed bool
	sink   api.AudioStream

	seq       rtp.Sequencer
	ssrc      uint32
	timestamp uint32
}

func newRTPTermination(t *api.Termination, fd int) *rtpTermination {
	rt := &rtpTermination{
		term: t,
		seq:  rtp.NewRandomSequencer(),
		ssrc: rand.Uint32(),
	}
	rt.desc = &reactor.Descriptor{Fd: fd, Events: reactor.EventRead, Data: rt}
	return rt
}

func (rt *rtpTermination) setRemote(r *api.RTPMediaDescriptor) {
	if r == nil {
		return
	}
	rt.remote = r.Clone()
	rt.routed = false
	if r.Port == 0 || !r.Enabled {
		return
	}
	peer, err := transport.ParseAddr(r.IP, r.Port)
	if err != nil {
		return
	}
	rt.peer = peer
	rt.routed = true
}

func (rt *rtpTermination) descriptor() *api.RTPTerminationDescriptor {
	return &api.RTPTerminationDescriptor{Local: rt.local.Clone(), Remote: rt.remote.Clone()}
}

func (rt *rtpTermination) canSend() bool {
	return rt.routed && rt.local != nil && rt.local.Mode&api.ModeSend != 0
}

func (rt *rtpTermination) codec() api.Codec {
	switch {
	case rt.local != nil && len(rt.local.Codecs) > 0:
		return rt.local.Codecs[0]
	case rt.remote != nil && len(rt.remote.Codecs) > 0:
		return rt.remote.Codecs[0]
	}
	return defaultCodec
}

func (rt *rtpTermination) ptime() int {
	if rt.local != nil && rt.local.PTime > 0 {
		return rt.local.PTime
	}
	return defaultPTime
}

// samples per frame at the codec clock rate.
func (rt *rtpTermination) samples() uint32 {
	rate := rt.codec().Rate
	if rate == 0 {
		rate = defaultCodec.Rate
	}
	return rate * uint32(rt.ptime()) / 1000
}

func (rt *rtpTermination) frameSize() int {
	size := int(rt.samples())
	if rt.codec().Name == "L16" {
		size *= 2
	}
	return min(size, datagramSize-rtpHeaderSize)
}

func (rt *rtpTermination) send(payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rt.codec().PayloadType,
			SequenceNumber: rt.seq.NextSequenceNumber(),
			Timestamp:      rt.timestamp,
			SSRC:           rt.ssrc,
		},
		Payload: payload,
	}
	rt.timestamp += rt.samples()
	b, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp: %w", err)
	}
	return transport.SendTo(rt.desc.Fd, b, rt.peer)
}

// receive reads one datagram and returns its payload, which aliases buf.
func (rt *rtpTermination) receive(buf []byte) ([]byte, error) {
	n, _, err := transport.RecvFrom(rt.desc.Fd, buf)
	if err != nil {
		return nil, err
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return nil, fmt.Errorf("unmarshal rtp: %w", err)
	}
	return pkt.Payload, nil
}
