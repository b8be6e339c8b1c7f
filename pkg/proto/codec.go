package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// HeaderSize is the fixed size of every frame header.
	HeaderSize = 24
	// MaxFrameSize bounds a single frame; larger frames are rejected on read.
	MaxFrameSize = 64 << 20

	headerMagic uint64 = 0x5252494d59445542 // "BUDYMIRR"
)

// FrameFlagCompressed marks a zstd-compressed payload.
const FrameFlagCompressed uint16 = 1

// Header is the decoded fixed-size frame header.
type Header struct {
	Length       uint32
	Type         MsgType
	FeatureFlags uint16
	TargetID     TargetID
	FrameFlags   uint16
	PayloadLen   uint32
}

// Codec turns messages into frames and back. It is safe for concurrent use.
type Codec struct {
	compressThreshold int

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCodec returns a codec that compresses payloads larger than
// compressThreshold bytes. A threshold <= 0 disables compression.
func NewCodec(compressThreshold int) *Codec {
	c := &Codec{compressThreshold: compressThreshold}
	// New returns the constructor error instead of a coder; callers check.
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			if err != nil {
				return err
			}
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, err := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(MaxFrameSize))
			if err != nil {
				return err
			}
			return dec
		},
	}
	return c
}

func (c *Codec) encoder() (*zstd.Encoder, error) {
	switch v := c.encoderPool.Get().(type) {
	case *zstd.Encoder:
		return v, nil
	case error:
		return nil, fmt.Errorf("create zstd encoder: %w", v)
	default:
		return nil, fmt.Errorf("create zstd encoder: unexpected %T", v)
	}
}

func (c *Codec) decoder() (*zstd.Decoder, error) {
	switch v := c.decoderPool.Get().(type) {
	case *zstd.Decoder:
		return v, nil
	case error:
		return nil, fmt.Errorf("create zstd decoder: %w", v)
	default:
		return nil, fmt.Errorf("create zstd decoder: unexpected %T", v)
	}
}

func padded(n int) int {
	return (n + 7) &^ 7
}

// Marshal encodes msg into one frame.
func (c *Codec) Marshal(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}

	var frameFlags uint16
	if c.compressThreshold > 0 && len(payload) > c.compressThreshold {
		enc, err := c.encoder()
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
		}
		compressed := enc.EncodeAll(payload, nil)
		c.encoderPool.Put(enc)
		if len(compressed) < len(payload) {
			payload = compressed
			frameFlags |= FrameFlagCompressed
		}
	}

	total := HeaderSize + padded(len(payload))
	if total > MaxFrameSize {
		return nil, fmt.Errorf("marshal %s: frame of %d bytes exceeds limit", msg.Type(), total)
	}

	h := Header{
		Length:     uint32(total),
		Type:       msg.Type(),
		FrameFlags: frameFlags,
		PayloadLen: uint32(len(payload)),
	}
	if t, ok := msg.(Targeted); ok {
		h.TargetID = t.Target()
	}
	if f, ok := msg.(Flagged); ok {
		h.FeatureFlags = f.Features()
	}

	buf := make([]byte, total)
	putHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

func putHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:], h.Length)
	binary.LittleEndian.PutUint16(b[4:], uint16(h.Type))
	binary.LittleEndian.PutUint16(b[6:], h.FeatureFlags)
	binary.LittleEndian.PutUint16(b[8:], h.TargetID)
	binary.LittleEndian.PutUint16(b[10:], h.FrameFlags)
	binary.LittleEndian.PutUint32(b[12:], h.PayloadLen)
	binary.LittleEndian.PutUint64(b[16:], headerMagic)
}

// ParseHeader decodes and validates a frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("short header: %d bytes", len(b))
	}
	if magic := binary.LittleEndian.Uint64(b[16:]); magic != headerMagic {
		return Header{}, fmt.Errorf("bad frame magic %#x", magic)
	}
	h := Header{
		Length:       binary.LittleEndian.Uint32(b[0:]),
		Type:         MsgType(binary.LittleEndian.Uint16(b[4:])),
		FeatureFlags: binary.LittleEndian.Uint16(b[6:]),
		TargetID:     binary.LittleEndian.Uint16(b[8:]),
		FrameFlags:   binary.LittleEndian.Uint16(b[10:]),
		PayloadLen:   binary.LittleEndian.Uint32(b[12:]),
	}
	if h.Length < HeaderSize || h.Length > MaxFrameSize || h.Length%8 != 0 {
		return Header{}, fmt.Errorf("invalid frame length %d", h.Length)
	}
	if int(h.PayloadLen) > int(h.Length)-HeaderSize {
		return Header{}, fmt.Errorf("payload length %d exceeds frame length %d", h.PayloadLen, h.Length)
	}
	return h, nil
}

// Unmarshal decodes a complete frame.
func (c *Codec) Unmarshal(frame []byte) (Header, Message, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	if int(h.Length) > len(frame) {
		return Header{}, nil, fmt.Errorf("truncated frame: have %d of %d bytes", len(frame), h.Length)
	}
	msg, err := c.decodePayload(h, frame[HeaderSize:HeaderSize+int(h.PayloadLen)])
	if err != nil {
		return Header{}, nil, err
	}
	return h, msg, nil
}

func (c *Codec) decodePayload(h Header, payload []byte) (Message, error) {
	if h.FrameFlags&FrameFlagCompressed != 0 {
		dec, err := c.decoder()
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", h.Type, err)
		}
		plain, err := dec.DecodeAll(payload, nil)
		c.decoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", h.Type, err)
		}
		payload = plain
	}

	msg, err := NewMessage(h.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", h.Type, err)
	}
	return msg, nil
}

// WriteMessage writes msg as one frame to w.
func (c *Codec) WriteMessage(w io.Writer, msg Message) error {
	frame, err := c.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	return nil
}

// ReadMessage reads exactly one frame from r.
func (c *Codec) ReadMessage(r io.Reader) (Header, Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return Header{}, nil, err
	}
	body := make([]byte, int(h.Length)-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, fmt.Errorf("read %s body: %w", h.Type, err)
	}
	msg, err := c.decodePayload(h, body[:h.PayloadLen])
	if err != nil {
		return Header{}, nil, err
	}
	return h, msg, nil
}

// Expect checks that msg is the response kind the caller waited for. A
// GenericResponse is turned into an error so callers can retry on it.
func Expect[T Message](msg Message) (T, error) {
	var zero T
	if resp, ok := msg.(T); ok {
		return resp, nil
	}
	if gr, ok := msg.(*GenericResponse); ok {
		switch gr.Code {
		case ControlIndirectCommErr:
			return zero, fmt.Errorf("%w: peer could not reach its secondary: %s", OpsCommunication, gr.Message)
		case ControlTryAgain:
			return zero, fmt.Errorf("%w: peer asked to retry: %s", OpsCommunication, gr.Message)
		}
		return zero, fmt.Errorf("%w: generic response code %d: %s", OpsInternal, gr.Code, gr.Message)
	}
	return zero, fmt.Errorf("%w: unexpected response %s", OpsCommunication, msg.Type())
}
