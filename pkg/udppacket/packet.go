// Package udppacket implements the UDP wire packet, the sender-side
// chunking of a serialized message into packets, and the receiver-side
// reassembly table described in spec.md §3 and §4.B. It has no direct
// teacher equivalent — rdgproto never speaks UDP — so the chunk/offset
// bookkeeping is grounded structurally on rdgproto's own stream chunker
// (message.go's streamAssembler/addChunk/assembleStream, which solves the
// same "split large payload into indexed pieces, reassemble by index"
// problem for a different transport) and cross-checked against the
// fragmentation idioms in the reference corpus's arpc and slipstream-go
// packages (see DESIGN.md).
package udppacket

import (
	"encoding/binary"
	"errors"

	"github.com/vmnexus/engine/pkg/wire"
)

var (
	ErrTooShort      = errors.New("udppacket: datagram shorter than header")
	ErrTooLong       = errors.New("udppacket: datagram exceeds MTU")
	ErrBadMagic      = errors.New("udppacket: bad magic")
	ErrBadSize       = errors.New("udppacket: declared message size out of range")
	ErrMessageTooBig = errors.New("udppacket: message exceeds maximum reassemblable size")
)

// Magic identifies a vmnexus UDP packet.
var Magic = [4]byte{'V', 'M', 'N', 'X'}

// Field widths, per spec.md §3's packet table.
const (
	MagicSize     = 4
	SequenceSize  = 8
	TagSize       = 16
	MsgIDSize     = 16
	TotalSizeSize = 4
	OffsetSize    = 4

	HeaderSize = MagicSize + SequenceSize + TagSize + MsgIDSize + TotalSizeSize + OffsetSize // 52

	// DefaultDatagramMTU is the maximum UDP payload the engine is willing
	// to send in one datagram.
	DefaultDatagramMTU = 1200
	// DefaultMaxPayload is the largest chunk payload that fits under
	// DefaultDatagramMTU once the header is subtracted.
	DefaultMaxPayload = DefaultDatagramMTU - HeaderSize // 1148
	// DefaultMaxMessageSize bounds how large a reassembled message may
	// declare itself, guarding against a hostile peer claiming an
	// unreasonable total and exhausting memory.
	DefaultMaxMessageSize = 150 * 1024 * 1024
)

// Header is the fixed portion of a UDP packet. Tag and the ciphertext
// payload are filled in by the crypto layer; everything else is plaintext
// on the wire (sequence must be, so the receiver can rebuild the nonce;
// magic/id/size/offset are bound as AAD rather than hidden, since hiding
// them buys no security and the receiver needs them before it can even
// attempt decryption).
type Header struct {
	Sequence  uint64
	Tag       [TagSize]byte
	MsgID     wire.MessageID
	TotalSize int32
	Offset    int32
}

// AAD returns the additional authenticated data bound into the AEAD seal:
// magic, message id, total size, and offset — everything in the header
// except the sequence number and the tag itself. Binding these prevents an
// attacker from splicing a packet from one message into another.
func (h Header) AAD() []byte {
	buf := make([]byte, MagicSize+MsgIDSize+TotalSizeSize+OffsetSize)
	copy(buf[0:4], Magic[:])
	idBytes, _ := h.MsgID.MarshalBinary()
	copy(buf[4:20], idBytes)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.TotalSize))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.Offset))
	return buf
}

// Encode assembles the full on-wire packet: header followed by the
// already-encrypted payload.
func Encode(h Header, ciphertext []byte) []byte {
	out := make([]byte, HeaderSize+len(ciphertext))
	copy(out[0:4], Magic[:])
	binary.LittleEndian.PutUint64(out[4:12], h.Sequence)
	copy(out[12:28], h.Tag[:])
	idBytes, _ := h.MsgID.MarshalBinary()
	copy(out[28:44], idBytes)
	binary.LittleEndian.PutUint32(out[44:48], uint32(h.TotalSize))
	binary.LittleEndian.PutUint32(out[48:52], uint32(h.Offset))
	copy(out[52:], ciphertext)
	return out
}

// Decode performs only the structural parse and bounds checks of spec.md
// §4.B step 1: length within [HeaderSize, mtu], magic correct, declared
// size positive and within maxMessageSize. It does not touch the ciphertext
// — decryption happens only after a receiver has decided the packet
// belongs to a plausible, in-progress (or startable) reassembly.
func Decode(data []byte, mtu int, maxMessageSize int32) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrTooShort
	}
	if len(data) > mtu {
		return Header{}, nil, ErrTooLong
	}
	if string(data[0:4]) != string(Magic[:]) {
		return Header{}, nil, ErrBadMagic
	}

	var h Header
	h.Sequence = binary.LittleEndian.Uint64(data[4:12])
	copy(h.Tag[:], data[12:28])
	if err := h.MsgID.UnmarshalBinary(data[28:44]); err != nil {
		return Header{}, nil, ErrBadMagic
	}
	h.TotalSize = int32(binary.LittleEndian.Uint32(data[44:48]))
	h.Offset = int32(binary.LittleEndian.Uint32(data[48:52]))

	if h.TotalSize <= 0 || h.TotalSize > maxMessageSize {
		return Header{}, nil, ErrBadSize
	}

	return h, data[HeaderSize:], nil
}
