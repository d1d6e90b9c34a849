// File: internal/connection/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Control messages on the wire: a 4-byte big-endian length followed by the
// msgpack encoding of api.ControlMessage.

package connection

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/momentics/hioload-mrcp/api"
)

const (
	frameHeader = 4
	// MaxFrame bounds a single encoded message.
	MaxFrame = 1 << 20
)

// ErrFrameTooLarge is fatal for the connection that produced it.
var ErrFrameTooLarge = errors.New("connection: frame too large")

// EncodeFrame renders m with its length prefix.
func EncodeFrame(m *api.ControlMessage) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m, err)
	}
	if len(body) > MaxFrame {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, frameHeader+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[frameHeader:], body)
	return frame, nil
}

// Decoder reassembles frames from a byte stream.
type Decoder struct {
	buf []byte
}

// Feed appends received bytes.
func (d *Decoder) Feed(p []byte) { d.buf = append(d.buf, p...) }

// Buffered returns the number of bytes not yet decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message, or nil when more bytes are needed.
func (d *Decoder) Next() (*api.ControlMessage, error) {
	if len(d.buf) < frameHeader {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(d.buf)
	if size > MaxFrame {
		return nil, ErrFrameTooLarge
	}
	end := frameHeader + int(size)
	if len(d.buf) < end {
		return nil, nil
	}
	var m api.ControlMessage
	err := msgpack.Unmarshal(d.buf[frameHeader:end], &m)
	d.buf = d.buf[end:]
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &m, nil
}
