package udppacket

import (
	"errors"
	"sync"
	"time"

	"github.com/vmnexus/engine/pkg/wire"
)

var (
	// ErrDuplicateChunk means a chunk already present was received again;
	// silently dropped, not evicted.
	ErrDuplicateChunk = errors.New("udppacket: duplicate chunk")
	// ErrChunkRejected means the can-receive precheck failed (size
	// mismatch, out-of-range chunk index, wrong payload length); the
	// Incoming record is evicted.
	ErrChunkRejected = errors.New("udppacket: chunk failed precheck")
	// ErrDecryptFailed means AEAD open failed; the packet is dropped but
	// the Incoming record survives (the genuine sender may still be
	// sending the rest of the message).
	ErrDecryptFailed = errors.New("udppacket: decrypt failed")
	// ErrMessageCorrupted means reassembly completed but the codec could
	// not parse the resulting bytes.
	ErrMessageCorrupted = errors.New("udppacket: reassembled message corrupted")
)

// Opener is the subset of udpcrypto.Service the receiver side needs.
type Opener interface {
	Open(seq uint64, aad, ciphertext []byte, tag [TagSize]byte) ([]byte, error)
}

// incoming is the reassembly record for one in-flight UDP message.
type incoming struct {
	mu            sync.Mutex
	totalSize     int32
	buffer        []byte
	chunkCount    int32
	maxPayload    int32
	received      []bool
	bytesReceived int32
	timer         *time.Timer
}

func newIncoming(totalSize, maxPayload int32) *incoming {
	chunkCount := (totalSize + maxPayload - 1) / maxPayload
	return &incoming{
		totalSize:  totalSize,
		buffer:     make([]byte, totalSize),
		chunkCount: chunkCount,
		maxPayload: maxPayload,
		received:   make([]bool, chunkCount),
	}
}

func (in *incoming) expectedChunkLen(chunkIndex int32) int32 {
	start := chunkIndex * in.maxPayload
	remaining := in.totalSize - start
	if remaining < in.maxPayload {
		return remaining
	}
	return in.maxPayload
}

// Table is the receiver-side message-id -> incoming map, plus the config
// needed to validate and time out entries. One Table serves one engine's
// UDP receive loop.
type Table struct {
	mu             sync.Mutex
	messages       map[wire.MessageID]*incoming
	maxPayload     int32
	maxMessageSize int32
	mtu            int
	timeout        time.Duration
	codec          *wire.Codec
	opener         Opener

	// OnTimeout, if set, is invoked (outside the table's lock) whenever an
	// Incoming record is evicted by its deadline rather than completed.
	OnTimeout func(id wire.MessageID)
}

// NewTable builds a reassembly table. maxPayload/maxMessageSize/mtu default
// to the package constants when zero; timeout defaults to 3s per spec.md §5.
func NewTable(opener Opener, maxPayload int, maxMessageSize int32, mtu int, timeout time.Duration) *Table {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if mtu <= 0 {
		mtu = DefaultDatagramMTU
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Table{
		messages:       make(map[wire.MessageID]*incoming),
		maxPayload:     int32(maxPayload),
		maxMessageSize: maxMessageSize,
		mtu:            mtu,
		timeout:        timeout,
		codec:          wire.NewCodec(),
		opener:         opener,
	}
}

// Receive processes one raw datagram through the full pipeline in
// spec.md §4.B: structural check, lookup-or-create, can-receive precheck,
// decrypt, copy into buffer, and — once complete — deserialize and return
// the finished message.
//
// Return shapes:
//   - (nil, nil): accepted, message still incomplete
//   - (msg, nil): message complete and successfully decoded
//   - (nil, err): the datagram (or, for ErrMessageCorrupted, the whole
//     message) was dropped; err identifies why for the caller's fail-event
//     stream. Except for ErrChunkRejected and ErrMessageCorrupted, the
//     Incoming record (if any) survives for subsequent packets.
func (t *Table) Receive(raw []byte) (*wire.Message, error) {
	header, ciphertext, err := Decode(raw, t.mtu, t.maxMessageSize)
	if err != nil {
		return nil, err
	}

	in := t.lookupOrCreate(header)

	chunkIndex := header.Offset / t.maxPayload
	if rejectErr := t.precheck(in, header, chunkIndex, len(ciphertext)); rejectErr != nil {
		t.remove(header.MsgID, in)
		return nil, rejectErr
	}

	in.mu.Lock()
	alreadyReceived := in.received[chunkIndex]
	in.mu.Unlock()
	if alreadyReceived {
		return nil, ErrDuplicateChunk
	}

	plaintext, err := t.opener.Open(header.Sequence, header.AAD(), ciphertext, header.Tag)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	in.mu.Lock()
	if in.received[chunkIndex] {
		in.mu.Unlock()
		return nil, ErrDuplicateChunk
	}
	copy(in.buffer[header.Offset:], plaintext)
	in.received[chunkIndex] = true
	in.bytesReceived += int32(len(plaintext))
	complete := in.bytesReceived == in.totalSize
	var buffer []byte
	if complete {
		buffer = in.buffer
	}
	in.mu.Unlock()

	if !complete {
		return nil, nil
	}

	t.remove(header.MsgID, in)

	msg, err := t.codec.Decode(buffer)
	if err != nil {
		return nil, ErrMessageCorrupted
	}
	return msg, nil
}

// lookupOrCreate returns the Incoming for header.MsgID, creating one (and
// arming its deadline timer) on first sight.
func (t *Table) lookupOrCreate(header Header) *incoming {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in, ok := t.messages[header.MsgID]; ok {
		return in
	}

	in := newIncoming(header.TotalSize, t.maxPayload)
	t.messages[header.MsgID] = in
	msgID := header.MsgID
	in.timer = time.AfterFunc(t.timeout, func() { t.onDeadline(msgID) })
	return in
}

// precheck implements spec.md §4.B step 3: declared size must match this
// Incoming's size, chunk index must be in range, and payload length must
// equal the expected length for that chunk.
func (t *Table) precheck(in *incoming, header Header, chunkIndex int32, payloadLen int) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if header.TotalSize != in.totalSize {
		return ErrChunkRejected
	}
	if chunkIndex < 0 || chunkIndex >= in.chunkCount {
		return ErrChunkRejected
	}
	if int32(payloadLen) != in.expectedChunkLen(chunkIndex) {
		return ErrChunkRejected
	}
	return nil
}

func (t *Table) remove(id wire.MessageID, in *incoming) {
	t.mu.Lock()
	if current, ok := t.messages[id]; ok && current == in {
		delete(t.messages, id)
	}
	t.mu.Unlock()

	in.mu.Lock()
	if in.timer != nil {
		in.timer.Stop()
	}
	in.mu.Unlock()
}

func (t *Table) onDeadline(id wire.MessageID) {
	t.mu.Lock()
	in, ok := t.messages[id]
	if ok {
		delete(t.messages, id)
	}
	t.mu.Unlock()

	if !ok {
		return // already completed or evicted
	}
	if t.OnTimeout != nil {
		t.OnTimeout(id)
	}
}

// Len reports the number of in-flight reassemblies, for diagnostics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}
