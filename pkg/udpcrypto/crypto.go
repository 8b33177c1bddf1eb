// Package udpcrypto implements the AEAD sealing, replay protection, and
// rekey handshake the UDP datagram channel uses: AES-256-GCM with
// per-direction HKDF-derived subkeys, a sliding-window replay filter, and a
// one-second grace window during which both the old and new key are
// accepted on receive.
//
// Grounded on rdgproto/crypto.go's Signer/Verifier pairing (same idea of a
// pluggable per-message authentication step), generalized from HMAC/RSA
// signing to AEAD sealing because the UDP channel needs confidentiality,
// not just authenticity.
package udpcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrAuthenticationFailed = errors.New("udpcrypto: authentication failed")
	ErrReplay               = errors.New("udpcrypto: replayed or too-old sequence number")
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize matches KeySize; the salt also seeds HKDF and the nonce prefix.
	SaltSize = 32
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	// replayWindowSize is how many recent sequence numbers the receiver
	// remembers; a sequence at or below (highest - replayWindowSize) is
	// rejected outright.
	replayWindowSize = 1024

	// rekeyGrace is how long the receiver keeps accepting packets under
	// the outgoing key after a local Rekey call.
	rekeyGrace = 1 * time.Second
)

// Direction distinguishes the two independent counters/subkeys: traffic
// flows server-to-client and client-to-server under different keys so a
// captured packet from one direction can never be replayed as the other.
type Direction byte

const (
	DirServerToClient Direction = 0
	DirClientToServer Direction = 1
)

var directionLabel = map[Direction]string{
	DirServerToClient: "S->C",
	DirClientToServer: "C->S",
}

// replayWindow implements a sliding-window duplicate filter over the last
// replayWindowSize sequence numbers, the same scheme WireGuard and IPsec
// use: a "highest seen" counter plus a bitmap of which of the preceding
// replayWindowSize numbers have already been accepted.
type replayWindow struct {
	mu      sync.Mutex
	highest uint64
	bits    [replayWindowSize / 64]uint64
	seeded  bool
}

// checkAndMark reports whether seq is acceptable (not a replay, not too
// old) and, if so, marks it seen. It must be called only after the AEAD tag
// has verified — marking before verification would let an attacker burn
// legitimate sequence numbers with forged packets.
func (w *replayWindow) checkAndMark(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seeded {
		w.seeded = true
		w.highest = seq
		w.setBit(0)
		return true
	}

	if seq > w.highest {
		shift := seq - w.highest
		if shift >= replayWindowSize {
			w.bits = [replayWindowSize / 64]uint64{}
		} else {
			w.shiftLeft(shift)
		}
		w.highest = seq
		w.setBit(0)
		return true
	}

	diff := w.highest - seq
	if diff >= replayWindowSize {
		return false // too old
	}
	if w.testBit(diff) {
		return false // replay
	}
	w.setBit(diff)
	return true
}

func (w *replayWindow) setBit(offsetFromHighest uint64) {
	w.bits[offsetFromHighest/64] |= 1 << (offsetFromHighest % 64)
}

func (w *replayWindow) testBit(offsetFromHighest uint64) bool {
	return w.bits[offsetFromHighest/64]&(1<<(offsetFromHighest%64)) != 0
}

func (w *replayWindow) shiftLeft(n uint64) {
	// Conceptually each bit's "offset from highest" grows by n; easiest
	// correct implementation is to rebuild the bitmap rather than bit-shift
	// across the word boundaries, since n can exceed 64.
	var fresh [replayWindowSize / 64]uint64
	for i := uint64(0); i < replayWindowSize; i++ {
		if !w.testBit(i) {
			continue
		}
		newOffset := i + n
		if newOffset >= replayWindowSize {
			continue
		}
		fresh[newOffset/64] |= 1 << (newOffset % 64)
	}
	w.bits = fresh
}

// directionKeys holds the derived subkey and per-direction state for one
// traffic direction under one key generation.
type directionKeys struct {
	subkey [32]byte
	aead   cipher.AEAD
	send   uint64 // atomic, monotonic
	recv   replayWindow
}

func newDirectionKeys(masterKey, salt []byte, dir Direction) (*directionKeys, error) {
	subkey, err := deriveSubkey(masterKey, salt, directionLabel[dir])
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(subkey[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &directionKeys{subkey: subkey, aead: aead}, nil
}

func deriveSubkey(masterKey, salt []byte, label string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, masterKey, salt, []byte(label))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// generation bundles both directions' keys derived from one master
// key+salt pair, plus when that generation was installed (used to expire
// the grace-window acceptance of a superseded generation).
type generation struct {
	saltPrefix [4]byte        // first 4 bytes of this generation's salt, the nonce prefix
	send       *directionKeys // this side's outbound direction
	recv       *directionKeys // this side's inbound direction
}

// Service is the per-engine UDP crypto state: current key generation, the
// previous generation kept around for the rekey grace window, and which
// side (server or client) this instance speaks for.
type Service struct {
	isServer bool

	mu       sync.RWMutex
	current  *generation
	previous *generation
	expireAt time.Time

	rekeyThreshold uint64
	failures       uint64 // atomic, diagnostic counter surfaced to callers
}

// NewService derives the initial key generation from masterKey/salt.
// rekeyThreshold is the send-counter value that should trigger a rekey;
// callers poll NeedsRekey to decide when to issue one.
func NewService(isServer bool, masterKey, salt [32]byte, rekeyThreshold uint64) (*Service, error) {
	s := &Service{isServer: isServer, rekeyThreshold: rekeyThreshold}
	gen, err := buildGeneration(isServer, masterKey[:], salt[:])
	if err != nil {
		return nil, err
	}
	s.current = gen
	return s, nil
}

func buildGeneration(isServer bool, masterKey, salt []byte) (*generation, error) {
	var sendDir, recvDir Direction
	if isServer {
		sendDir, recvDir = DirServerToClient, DirClientToServer
	} else {
		sendDir, recvDir = DirClientToServer, DirServerToClient
	}
	send, err := newDirectionKeys(masterKey, salt, sendDir)
	if err != nil {
		return nil, err
	}
	recv, err := newDirectionKeys(masterKey, salt, recvDir)
	if err != nil {
		return nil, err
	}
	gen := &generation{send: send, recv: recv}
	copy(gen.saltPrefix[:], salt[:4])
	return gen, nil
}

// nonceFor builds the 12-byte AEAD nonce: salt[0:4] || direction-byte ||
// low 7 bytes of the sequence number. The sequence is expected to stay
// well under 2^56 given RekeyThreshold is always far below that, so
// truncating to 7 bytes never collides.
func nonceFor(salt [4]byte, dirByte byte, seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[0:4], salt[:])
	nonce[4] = dirByte
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], seq)
	copy(nonce[5:12], seqBuf[0:7])
	return nonce
}

// NextSendSequence atomically increments and returns this side's outbound
// counter for the current generation.
func (s *Service) NextSendSequence() uint64 {
	s.mu.RLock()
	gen := s.current
	s.mu.RUnlock()
	return atomic.AddUint64(&gen.send.send, 1)
}

// Seal encrypts plaintext under the current generation's outbound subkey,
// using seq (as produced by NextSendSequence). aad is authenticated but not
// encrypted. Returns the ciphertext, its tag, and the salt prefix the
// receiver needs to reconstruct the same nonce.
func (s *Service) Seal(seq uint64, aad, plaintext []byte) (ciphertext []byte, tag [TagSize]byte, saltPrefix [4]byte, err error) {
	s.mu.RLock()
	gen := s.current
	s.mu.RUnlock()

	dirByte := byte(0)
	if !s.isServer {
		dirByte = 1
	}
	nonce := nonceFor(gen.saltPrefix, dirByte, seq)
	sealed := gen.send.aead.Seal(nil, nonce[:], plaintext, aad)
	ct := sealed[:len(sealed)-TagSize]
	copy(tag[:], sealed[len(sealed)-TagSize:])
	return ct, tag, gen.saltPrefix, nil
}

// Open decrypts and authenticates a packet, checking replay against the
// matching generation's receive window. It tries the current generation
// first, then — within the rekey grace window — the previous one, so a
// peer that hasn't applied a just-issued CryptoReset yet doesn't lose
// packets. The nonce is rebuilt from the generation's own salt prefix, not
// the sender's — the two only match when the sender and receiver actually
// share a generation, which is exactly the check being performed.
func (s *Service) Open(seq uint64, aad, ciphertext []byte, tag [TagSize]byte) ([]byte, error) {
	dirByte := byte(1)
	if !s.isServer {
		dirByte = 0
	}
	sealed := append(append([]byte{}, ciphertext...), tag[:]...)

	s.mu.RLock()
	current := s.current
	previous := s.previous
	expireAt := s.expireAt
	s.mu.RUnlock()

	nonce := nonceFor(current.saltPrefix, dirByte, seq)
	if plaintext, ok := tryOpen(current.recv, nonce, aad, sealed, seq); ok {
		return plaintext, nil
	}

	if previous != nil && time.Now().Before(expireAt) {
		nonce := nonceFor(previous.saltPrefix, dirByte, seq)
		if plaintext, ok := tryOpen(previous.recv, nonce, aad, sealed, seq); ok {
			return plaintext, nil
		}
	}

	atomic.AddUint64(&s.failures, 1)
	return nil, ErrAuthenticationFailed
}

func tryOpen(dk *directionKeys, nonce [NonceSize]byte, aad, sealed []byte, seq uint64) ([]byte, bool) {
	plaintext, err := dk.aead.Open(nil, nonce[:], sealed, aad)
	if err != nil {
		return nil, false
	}
	if !dk.recv.checkAndMark(seq) {
		return nil, false
	}
	return plaintext, true
}

// NeedsRekey reports whether the current generation's send counter has
// crossed rekeyThreshold.
func (s *Service) NeedsRekey() bool {
	s.mu.RLock()
	gen := s.current
	threshold := s.rekeyThreshold
	s.mu.RUnlock()
	return atomic.LoadUint64(&gen.send.send) >= threshold
}

// Rekey installs a fresh key generation, keeping the superseded one around
// for rekeyGrace so in-flight packets encrypted under it still decrypt.
func (s *Service) Rekey(masterKey, salt [32]byte) error {
	gen, err := buildGeneration(s.isServer, masterKey[:], salt[:])
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.previous = s.current
	s.current = gen
	s.expireAt = time.Now().Add(rekeyGrace)
	s.mu.Unlock()
	return nil
}

// GenerateKeyMaterial returns a fresh random key+salt pair, used by the
// server side when it decides to rekey on its own initiative.
func GenerateKeyMaterial() (key, salt [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, key[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(rand.Reader, salt[:]); err != nil {
		return
	}
	return
}

// Failures returns the cumulative count of dropped (auth-failed or
// replayed) packets, for the engine's fail-event stream.
func (s *Service) Failures() uint64 {
	return atomic.LoadUint64(&s.failures)
}
