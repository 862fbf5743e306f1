package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Frame layout: a 4-byte big-endian total length, a 12-byte fixed header
// (version, flags, msg_type, header-extension length, body length), the
// CBOR-encoded header extension (forwarding descriptor, origin address,
// return list), then the CBOR-encoded body.

const (
	fixedHeaderLen = 12
	// MaxFrameLen bounds a single message; anything larger is a framing
	// error, not a legitimate request.
	MaxFrameLen = 64 << 20
)

// ForwardDescriptor instructs the receiver to fan a message out to a node
// set and aggregate the per-node returns.
type ForwardDescriptor struct {
	Count    uint16   `cbor:"1,keyasint"`
	NodeList []string `cbor:"2,keyasint,omitempty"`
	Timeout  uint32   `cbor:"3,keyasint,omitempty"` // milliseconds
}

// NodeReturn is one aggregated per-node result.
type NodeReturn struct {
	Node string     `cbor:"1,keyasint"`
	Code ReturnCode `cbor:"2,keyasint"`
}

// Header is the versioned message header. AuthCred carries the caller's
// authentication credential on client-originated requests.
type Header struct {
	Version    uint16
	Flags      uint16
	Type       MsgType
	Forward    ForwardDescriptor
	OrigAddr   string
	ReturnList []NodeReturn
	AuthCred   []byte
}

type headerExt struct {
	Forward    ForwardDescriptor `cbor:"1,keyasint"`
	OrigAddr   string            `cbor:"2,keyasint,omitempty"`
	ReturnList []NodeReturn      `cbor:"3,keyasint,omitempty"`
	AuthCred   []byte            `cbor:"4,keyasint,omitempty"`
}

// Msg is a decoded message: header plus a typed body from the payload
// registry.
type Msg struct {
	Header Header
	Body   any
}

// NewMsg builds an outgoing message with an initialized (no-forward) header.
func NewMsg(t MsgType, body any) *Msg {
	return &Msg{
		Header: Header{
			Version: ProtocolVersion,
			Type:    t,
			Forward: ForwardDescriptor{Count: NoForward},
		},
		Body: body,
	}
}

var encMode cbor.EncMode

func init() {
	// Core deterministic encoding so credential signatures are reproducible
	// over the same canonical serialization.
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// Marshal encodes any payload with the codec's canonical CBOR mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a canonical CBOR payload.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// Encode serializes a message into a single frame.
func Encode(m *Msg) ([]byte, error) {
	ext, err := encMode.Marshal(headerExt{
		Forward:    m.Header.Forward,
		OrigAddr:   m.Header.OrigAddr,
		ReturnList: m.Header.ReturnList,
		AuthCred:   m.Header.AuthCred,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %v", err)
	}

	var body []byte
	if m.Body != nil {
		body, err = encMode.Marshal(m.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %v", m.Header.Type, err)
		}
	}

	total := fixedHeaderLen + len(ext) + len(body)
	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint16(buf[4:6], m.Header.Version)
	binary.BigEndian.PutUint16(buf[6:8], m.Header.Flags)
	binary.BigEndian.PutUint16(buf[8:10], uint16(m.Header.Type))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(ext)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(body)))
	copy(buf[16:], ext)
	copy(buf[16+len(ext):], body)
	return buf, nil
}

// Decode parses one frame (without the 4-byte length prefix) into a message,
// resolving the body type through the payload registry.
func Decode(frame []byte) (*Msg, error) {
	if len(frame) < fixedHeaderLen {
		return nil, fmt.Errorf("short frame: %d bytes", len(frame))
	}
	m := &Msg{}
	m.Header.Version = binary.BigEndian.Uint16(frame[0:2])
	if m.Header.Version < MinProtocolVersion || m.Header.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version 0x%04x", m.Header.Version)
	}
	m.Header.Flags = binary.BigEndian.Uint16(frame[2:4])
	m.Header.Type = MsgType(binary.BigEndian.Uint16(frame[4:6]))
	extLen := int(binary.BigEndian.Uint16(frame[6:8]))
	bodyLen := int(binary.BigEndian.Uint32(frame[8:12]))
	if 12+extLen+bodyLen != len(frame) {
		return nil, fmt.Errorf("frame length mismatch: header says %d, have %d", 12+extLen+bodyLen, len(frame))
	}

	var ext headerExt
	if err := cbor.Unmarshal(frame[12:12+extLen], &ext); err != nil {
		return nil, fmt.Errorf("failed to decode header: %v", err)
	}
	m.Header.Forward = ext.Forward
	m.Header.OrigAddr = ext.OrigAddr
	m.Header.ReturnList = ext.ReturnList
	m.Header.AuthCred = ext.AuthCred

	body := newPayload(m.Header.Type)
	if body == nil {
		return nil, fmt.Errorf("unknown message type %s", m.Header.Type)
	}
	if bodyLen > 0 {
		if err := cbor.Unmarshal(frame[12+extLen:], body); err != nil {
			return nil, fmt.Errorf("failed to decode %s body: %v", m.Header.Type, err)
		}
	}
	m.Body = body
	return m, nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameLen {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteMsg encodes and writes a message to w.
func WriteMsg(w io.Writer, m *Msg) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMsg reads and decodes one message from r.
func ReadMsg(r io.Reader) (*Msg, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(frame)
}
