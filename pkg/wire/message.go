package wire

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Codec encodes and decodes the envelope header around a registered
// payload type. It holds no state beyond which registry to consult, so the
// zero value using DefaultRegistry is almost always what callers want.
type Codec struct {
	Registry *Registry
}

// NewCodec returns a Codec backed by DefaultRegistry.
func NewCodec() *Codec {
	return &Codec{Registry: DefaultRegistry}
}

func (c *Codec) registry() *Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return DefaultRegistry
}

// Encode serializes a message into its wire form:
// [Type(1)][ID(16)][PayloadLen(4 LE)][Payload(N)].
// It does not apply the outer TCP/WS length prefix — see EncodeFrame.
func (c *Codec) Encode(id MessageID, payload Payload) ([]byte, error) {
	body, err := payload.Marshal()
	if err != nil {
		return nil, err
	}
	if len(body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := buf.WriteByte(payload.TypeByte()); err != nil {
		return nil, err
	}
	idBytes, _ := id.MarshalBinary()
	if _, err := buf.Write(idBytes); err != nil {
		return nil, err
	}
	if err := WriteUint32LE(buf, uint32(len(body))); err != nil {
		return nil, err
	}
	if _, err := buf.Write(body); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode parses a full envelope (as produced by Encode) into a Message.
// It performs only structural validation (enough bytes present, length
// fields consistent, type is registered); domain validity is the caller's
// job via Validatable.
func (c *Codec) Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidMessage
	}

	r := bytes.NewReader(data)

	messageType, err := r.ReadByte()
	if err != nil {
		return nil, ErrInvalidMessage
	}

	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return nil, ErrInvalidMessage
	}
	var id MessageID
	if err := id.UnmarshalBinary(idBytes[:]); err != nil {
		return nil, ErrInvalidMessage
	}

	payloadLen, err := ReadUint32LE(r)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	body := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrInvalidMessage
	}

	factory := c.registry().Get(messageType)
	if factory == nil {
		return nil, ErrUnknownMessageType
	}
	payload := factory()
	if err := payload.Unmarshal(body); err != nil {
		return nil, err
	}

	return &Message{Type: messageType, ID: id, Payload: payload}, nil
}

// EncodeFrame wraps Encode with the 4-byte little-endian length prefix used
// by the TCP control channel: the length, then the encoded bytes, each
// written exactly once.
func (c *Codec) EncodeFrame(id MessageID, payload Payload) ([]byte, error) {
	body, err := c.Encode(id, payload)
	if err != nil {
		return nil, err
	}
	framed := make([]byte, FrameLengthSize+len(body))
	binary.LittleEndian.PutUint32(framed, uint32(len(body)))
	copy(framed[FrameLengthSize:], body)
	return framed, nil
}

// ReadFrame reads one length-prefixed envelope from r and decodes it.
func (c *Codec) ReadFrame(r io.Reader) (*Message, error) {
	var lenBuf [FrameLengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxPayloadSize+HeaderSize {
		return nil, ErrPayloadTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return c.Decode(body)
}
