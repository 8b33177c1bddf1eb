package udppacket

import "github.com/vmnexus/engine/pkg/wire"

// Sealer is the subset of udpcrypto.Service the sender side needs: a
// per-direction monotonic sequence counter and an AEAD seal. Declared here
// rather than imported as a concrete type so udppacket stays testable
// without pulling in real AES-GCM.
type Sealer interface {
	NextSendSequence() uint64
	Seal(seq uint64, aad, plaintext []byte) (ciphertext []byte, tag [TagSize]byte, saltPrefix [4]byte, err error)
}

// PlainChunk is one slice of a serialized message before encryption.
type PlainChunk struct {
	Offset  int32
	Payload []byte
}

// Split divides a serialized message into chunks of at most maxPayload
// bytes each, ascending by offset. All chunks except the last are exactly
// maxPayload; the last is the remainder — this is what lets the receiver
// compute chunk = offset / maxPayload instead of hashing offsets.
func Split(data []byte, maxPayload int) []PlainChunk {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	n := len(data)
	if n == 0 {
		return nil
	}
	count := (n + maxPayload - 1) / maxPayload
	chunks := make([]PlainChunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > n {
			end = n
		}
		chunks = append(chunks, PlainChunk{Offset: int32(start), Payload: data[start:end]})
	}
	return chunks
}

// SealChunks splits data into packets and encrypts each one, returning
// ready-to-send datagrams in ascending offset order. The sender never
// retransmits: each returned datagram is handed to the socket exactly
// once by the caller.
func SealChunks(sealer Sealer, msgID wire.MessageID, data []byte, maxPayload int) ([][]byte, error) {
	chunks := Split(data, maxPayload)
	totalSize := int32(len(data))

	packets := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		seq := sealer.NextSendSequence()
		h := Header{
			Sequence:  seq,
			MsgID:     msgID,
			TotalSize: totalSize,
			Offset:    chunk.Offset,
		}
		ciphertext, tag, _, err := sealer.Seal(seq, h.AAD(), chunk.Payload)
		if err != nil {
			return nil, err
		}
		h.Tag = tag
		packets = append(packets, Encode(h, ciphertext))
	}
	return packets, nil
}
