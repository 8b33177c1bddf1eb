// Package wire implements the tagged-sum message format exchanged between
// engine peers: a one-byte type discriminator, a 128-bit message id, and a
// length-prefixed payload. Both sides recover the concrete variant from the
// discriminator alone, without a priori knowledge of which variant is
// arriving next.
package wire

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidMessage     = errors.New("wire: invalid message format")
	ErrPayloadTooLarge    = errors.New("wire: payload exceeds maximum size")
	ErrUnknownMessageType = errors.New("wire: unknown message type")
	ErrInvalidStringLen   = errors.New("wire: invalid string length")
	ErrInvalidBytesLen    = errors.New("wire: invalid bytes length")
	ErrVarintOverflow     = errors.New("wire: varint overflow")
)

// MaxPayloadSize bounds a single TCP-framed message. Well above any control
// message; bulk data travels over UDP transfer-data instead.
const MaxPayloadSize = 64 * 1024 * 1024

// Header field widths for the length-prefixed envelope:
// [Type(1)][ID(16)][PayloadLen(4)][Payload(N)].
const (
	TypeSize        = 1
	IDSize          = 16
	PayloadLenSize  = 4
	HeaderSize      = TypeSize + IDSize + PayloadLenSize
	FrameLengthSize = 4 // outer TCP/WS length prefix
)

// MessageID is the 128-bit id every message carries. uuid.UUID is already a
// [16]byte, so it doubles as the wire representation with no conversion.
type MessageID = uuid.UUID

// NewMessageID returns a fresh random message id.
func NewMessageID() MessageID {
	return uuid.New()
}

// NilMessageID is the zero id, used by nothing real; useful as a sentinel
// in tests.
var NilMessageID = uuid.Nil

// Kind classifies a message variant along the axes the engine dispatches
// and routes on.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindInfoTCP
	KindInfoUDP
)

// PayloadMarshaler serializes a concrete payload to its wire bytes.
type PayloadMarshaler interface {
	Marshal() ([]byte, error)
}

// PayloadUnmarshaler deserializes wire bytes into a concrete payload.
type PayloadUnmarshaler interface {
	Unmarshal(data []byte) error
}

// Payload is implemented by every concrete message variant.
type Payload interface {
	PayloadMarshaler
	PayloadUnmarshaler
	// Kind reports which of the four dispatch categories this variant
	// belongs to.
	Kind() Kind
	// TypeByte reports the wire discriminator for this variant.
	TypeByte() byte
}

// Validatable is implemented by variants with a domain validity predicate
// beyond "parsed successfully". The codec never calls this; the dispatcher
// does, after decode.
type Validatable interface {
	IsValid() bool
}

// Correlated is implemented by Response variants; RequestID echoes the id
// of the Request this response answers.
type Correlated interface {
	RequestID() MessageID
}

// PayloadFactory builds a zero-value instance of a registered payload type
// ready to receive Unmarshal.
type PayloadFactory func() Payload

// Registry maps wire type bytes to payload factories.
type Registry struct {
	mu       sync.RWMutex
	handlers map[byte]PayloadFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[byte]PayloadFactory)}
}

// Register adds or replaces the factory for a message type.
func (r *Registry) Register(messageType byte, factory PayloadFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = factory
}

// Get returns the factory for a message type, or nil if unregistered.
func (r *Registry) Get(messageType byte) PayloadFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[messageType]
}

// Has reports whether a message type is registered.
func (r *Registry) Has(messageType byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[messageType]
	return ok
}

// DefaultRegistry is populated by init() in payloads.go with every variant
// SPEC_FULL.md names. Applications needing additional variants can build
// their own Registry and pass it to Codec explicitly.
var DefaultRegistry = NewRegistry()

// Message is a decoded envelope: the type/id header plus the concrete,
// already-unmarshaled payload.
type Message struct {
	Type    byte
	ID      MessageID
	Payload Payload
}
