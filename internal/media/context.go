// File: internal/media/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package media

import (
	"fmt"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/core/concurrency"
)

type termination struct {
	term *api.Termination
	rtp  *rtpTermination
}

type association struct {
	a, b *api.Termination
}

// bridge joins one RTP termination with one engine stream.
type bridge struct {
	rtp    *rtpTermination
	stream api.AudioStream
}

// mediaContext holds the terminations and associations of one session.
type mediaContext struct {
	mc      *api.MediaContext
	terms   map[*api.Termination]*termination
	assocs  map[association]struct{}
	applied bool
	timer   *concurrency.Timer
}

func newMediaContext(mc *api.MediaContext) *mediaContext {
	return &mediaContext{
		mc:     mc,
		terms:  make(map[*api.Termination]*termination),
		assocs: make(map[association]struct{}),
	}
}

func (c *mediaContext) empty() bool { return len(c.terms) == 0 }

func (c *mediaContext) associate(a, b *api.Termination) error {
	ta, ok := c.terms[a]
	if !ok || b == nil {
		return fmt.Errorf("associate %v: %w", a.ID, api.ErrNotFound)
	}
	tb, ok := c.terms[b]
	if !ok {
		return fmt.Errorf("associate %s: %w", b.ID, api.ErrNotFound)
	}
	c.assocs[association{a, b}] = struct{}{}
	if br, ok := pairOf(ta, tb); ok {
		br.rtp.sink = br.stream
	}
	return nil
}

func (c *mediaContext) dissociate(a, b *api.Termination) {
	delete(c.assocs, association{a, b})
	delete(c.assocs, association{b, a})
	ta, tb := c.terms[a], c.terms[b]
	if ta == nil || tb == nil {
		return
	}
	if br, ok := pairOf(ta, tb); ok {
		br.rtp.sink = nil
	}
}

// drop removes t together with every association it takes part in.
func (c *mediaContext) drop(t *api.Termination) {
	for as := range c.assocs {
		if as.a == t || as.b == t {
			c.dissociate(as.a, as.b)
		}
	}
	delete(c.terms, t)
}

func (c *mediaContext) bridges() []bridge {
	out := make([]bridge, 0, len(c.assocs))
	for as := range c.assocs {
		if br, ok := pairOf(c.terms[as.a], c.terms[as.b]); ok {
			out = append(out, br)
		}
	}
	return out
}

// outbound reports whether the applied topology has audio to send.
func (c *mediaContext) outbound() bool {
	if !c.applied {
		return false
	}
	for _, br := range c.bridges() {
		if br.stream.Mode()&api.ModeSend != 0 && br.rtp.canSend() {
			return true
		}
	}
	return false
}

func (c *mediaContext) stop() {
	c.applied = false
	c.timer.Kill()
}

func pairOf(a, b *termination) (bridge, bool) {
	if a == nil || b == nil {
		return bridge{}, false
	}
	switch {
	case a.rtp != nil && b.rtp == nil && b.term.Stream != nil:
		return bridge{rtp: a.rtp, stream: b.term.Stream}, true
	case b.rtp != nil && a.rtp == nil && a.term.Stream != nil:
		return bridge{rtp: b.rtp, stream: a.term.Stream}, true
	}
	return bridge{}, false
}
