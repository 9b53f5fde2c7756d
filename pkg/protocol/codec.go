package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vorwerick/tcp-drawing/pkg/dlog"
	"github.com/vorwerick/tcp-drawing/pkg/entity"
)

const (
	// MaxFrameSize bounds both a declared payload length and the total bytes a
	// decoder will buffer. Anything beyond it triggers a resync.
	MaxFrameSize = 100_000

	bufferCapacity = 16384
	lenPrefixSize  = 4
)

type envelope struct {
	T Kind            `json:"t"`
	P json.RawMessage `json:"p,omitempty"`
}

// Encode frames a message: 4-byte little-endian payload length, then the
// tagged JSON payload.
func Encode(msg Message) ([]byte, error) {
	env := envelope{T: msg.Kind}

	switch msg.Kind {
	case KindEntity:
		p, err := json.Marshal(msg.Entity)
		if err != nil {
			return nil, err
		}
		env.P = p
	case KindSnapshot:
		entities := msg.Entities
		if entities == nil {
			entities = []entity.Entity{}
		}
		p, err := json.Marshal(entities)
		if err != nil {
			return nil, err
		}
		env.P = p
	case KindSnapshotRequest:
	default:
		return nil, fmt.Errorf("cannot encode message kind %q", msg.Kind)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	framed := make([]byte, lenPrefixSize, lenPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(framed, uint32(len(payload)))
	return append(framed, payload...), nil
}

// Write frames msg and writes it as a single write, so message-oriented
// transports carry exactly one frame per transport message. A write error
// means the connection is gone from the caller's perspective.
func Write(w io.Writer, msg Message) error {
	framed, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(framed)
	return err
}

// Decoder incrementally parses an append-only byte stream back into messages.
// One instance per connection direction; not safe for concurrent use.
type Decoder struct {
	log      dlog.Logger
	buf      []byte
	frameLen int
	haveLen  bool
}

func NewDecoder(log dlog.Logger) *Decoder {
	if log == nil {
		log = dlog.Nop{}
	}
	return &Decoder{
		log: log,
		buf: make([]byte, 0, bufferCapacity),
	}
}

// Feed appends a chunk of any size. If the buffered total ever exceeds
// MaxFrameSize the whole buffer is dropped, bounding memory under a
// misbehaving peer at the cost of losing whatever was in flight.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)

	if len(d.buf) > MaxFrameSize {
		d.log.Warn("decode buffer too large, clearing", "size", len(d.buf))
		d.reset()
	}
}

// Next returns the next complete message, (nil, nil) when not enough bytes are
// buffered, or an error when a frame's payload could not be decoded. A bad
// frame is consumed, so the caller can keep calling Next. Call repeatedly
// until it reports no message: one chunk may complete several frames.
func (d *Decoder) Next() (*Message, error) {
	if !d.haveLen {
		if len(d.buf) < lenPrefixSize {
			return nil, nil
		}

		frameLen := int(binary.LittleEndian.Uint32(d.buf[:lenPrefixSize]))
		if frameLen > MaxFrameSize {
			// A corrupted length field makes the stream position meaningless,
			// dropping everything is the only way to resync.
			d.log.Warn("suspiciously large frame length, resetting buffer", "length", frameLen)
			d.reset()
			return nil, nil
		}

		d.frameLen = frameLen
		d.haveLen = true
		d.buf = d.buf[lenPrefixSize:]
	}

	if len(d.buf) < d.frameLen {
		return nil, nil
	}

	payload := d.buf[:d.frameLen]
	d.buf = d.buf[d.frameLen:]
	d.haveLen = false

	msg, err := decodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

func (d *Decoder) reset() {
	d.buf = d.buf[:0]
	d.frameLen = 0
	d.haveLen = false
}

func decodePayload(payload []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}

	msg := &Message{Kind: env.T}

	switch env.T {
	case KindEntity:
		var e entity.Entity
		if err := json.Unmarshal(env.P, &e); err != nil {
			return nil, err
		}
		msg.Entity = &e
	case KindSnapshot:
		var entities []entity.Entity
		if err := json.Unmarshal(env.P, &entities); err != nil {
			return nil, err
		}
		msg.Entities = entities
	case KindSnapshotRequest:
	default:
		return nil, fmt.Errorf("unknown message kind %q", env.T)
	}

	return msg, nil
}
