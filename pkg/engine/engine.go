// Package engine implements the messaging engine of spec.md §4.F: the two
// transports (TCP/WebSocket control channel, UDP media/bulk channel), the
// four async loops, request/response correlation, dispatch, and the
// transfer table. Structurally grounded on rdgproto's Client
// (client.go's running/done/errChan shape) and Server (server.go's accept
// loop, clients map, Broadcast), generalized from a single TCP connection
// to the two-transport, four-loop model this spec requires.
package engine

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vmnexus/engine/pkg/ratelimit"
	"github.com/vmnexus/engine/pkg/transfer"
	"github.com/vmnexus/engine/pkg/udpcrypto"
	"github.com/vmnexus/engine/pkg/udppacket"
	"github.com/vmnexus/engine/pkg/wire"
)

// SendOutcome classifies the terminal result of SendRequest.
type SendOutcome int

const (
	Success SendOutcome = iota
	MessageSendingTimeout
	InvalidMessageData
	DisconnectedFromServer
)

func (o SendOutcome) String() string {
	switch o {
	case Success:
		return "Success"
	case MessageSendingTimeout:
		return "MessageSendingTimeout"
	case InvalidMessageData:
		return "InvalidMessageData"
	case DisconnectedFromServer:
		return "DisconnectedFromServer"
	default:
		return "Unknown"
	}
}

var (
	ErrNotConnected = errors.New("engine: not connected")
	ErrClosed       = errors.New("engine: closed")
)

// RequestHandler processes an inbound Request and returns the Response
// payload to send back. A nil, nil return sends nothing (the application
// replies out-of-band, e.g. asynchronously).
type RequestHandler func(msg *wire.Message) (wire.Payload, error)

// InfoHandler processes an inbound Info message other than TransferData or
// CryptoReset, which the engine handles itself.
type InfoHandler func(msg *wire.Message)

// Config controls engine behavior. Zero-value fields are replaced with
// spec-mandated defaults by New.
type Config struct {
	RequestTimeout    time.Duration // default 3 minutes, per spec.md §4.F
	UDPMaxPayload     int
	UDPMaxMessageSize int32
	UDPDatagramMTU    int
	ReassemblyTimeout time.Duration
	RekeyThreshold    uint64
	RateLimitBps      float64 // 0 means unlimited, per spec.md §4.D
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Minute
	}
	if c.UDPMaxPayload <= 0 {
		c.UDPMaxPayload = udppacket.DefaultMaxPayload
	}
	if c.UDPMaxMessageSize <= 0 {
		c.UDPMaxMessageSize = udppacket.DefaultMaxMessageSize
	}
	if c.UDPDatagramMTU <= 0 {
		c.UDPDatagramMTU = udppacket.DefaultDatagramMTU
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = 3 * time.Second
	}
}

type pending struct {
	result chan pendingResult
}

type pendingResult struct {
	payload wire.Payload
	outcome SendOutcome
}

type outboundTCP struct {
	id      wire.MessageID
	payload wire.Payload
}

type outboundUDP struct {
	id      wire.MessageID
	payload wire.Payload
}

// Engine owns the TCP transport, the UDP socket, the crypto state, the two
// channel queues, the response table, the transfer table, and the
// incoming-UDP reassembly table for one connection, per spec.md §4.A.
type Engine struct {
	cfg Config
	log *logrus.Entry

	tcp     Transport
	udpConn *net.UDPConn
	udpAddr *net.UDPAddr
	udpUp   atomic.Bool

	crypto     *udpcrypto.Service
	reassembly *udppacket.Table
	limiter    *ratelimit.Bucket
	codec      *wire.Codec

	tcpSendCh chan outboundTCP
	udpSendCh chan outboundUDP

	mu        sync.Mutex
	responses map[wire.MessageID]*pending
	downloads map[wire.MessageID]*transfer.Download
	uploads   map[wire.MessageID]*transfer.Upload
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ProcessRequest, ProcessInfo and OnFail are the application's
	// overridable hooks into dispatch, per spec.md §4.F.
	ProcessRequest RequestHandler
	ProcessInfo    InfoHandler
	OnFail         func(reason string)
}

// New builds and starts an Engine. udpConn/udpAddr/crypto may be nil if UDP
// messaging is not yet established; UDP-marked messages then fall back to
// TCP until a later call to EnableUDP.
func New(role string, tcp Transport, udpConn *net.UDPConn, udpAddr *net.UDPAddr, crypto *udpcrypto.Service, cfg Config) *Engine {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		log:       newLogger(role),
		tcp:       tcp,
		udpConn:   udpConn,
		udpAddr:   udpAddr,
		crypto:    crypto,
		limiter:   ratelimit.NewBucket(cfg.RateLimitBps),
		codec:     wire.NewCodec(),
		tcpSendCh: make(chan outboundTCP, 64),
		udpSendCh: make(chan outboundUDP, 256),
		responses: make(map[wire.MessageID]*pending),
		downloads: make(map[wire.MessageID]*transfer.Download),
		uploads:   make(map[wire.MessageID]*transfer.Upload),
		ctx:       ctx,
		cancel:    cancel,
	}

	if crypto != nil {
		e.reassembly = udppacket.NewTable(crypto, cfg.UDPMaxPayload, cfg.UDPMaxMessageSize, cfg.UDPDatagramMTU, cfg.ReassemblyTimeout)
		e.reassembly.OnTimeout = e.onReassemblyTimeout
	}
	if udpConn != nil {
		e.udpUp.Store(true)
	}

	e.wg.Add(2)
	go e.tcpReceiveLoop()
	go e.tcpSendLoop()
	if udpConn != nil && crypto != nil {
		e.wg.Add(2)
		go e.udpReceiveLoop()
		go e.udpSendLoop()
	}

	return e
}

// EnableUDP attaches a UDP socket and crypto service after construction —
// the common case for a client that completes its TCP handshake first and
// negotiates UDP media a moment later.
func (e *Engine) EnableUDP(udpConn *net.UDPConn, udpAddr *net.UDPAddr, crypto *udpcrypto.Service) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.udpConn = udpConn
	e.udpAddr = udpAddr
	e.crypto = crypto
	e.reassembly = udppacket.NewTable(crypto, e.cfg.UDPMaxPayload, e.cfg.UDPMaxMessageSize, e.cfg.UDPDatagramMTU, e.cfg.ReassemblyTimeout)
	e.reassembly.OnTimeout = e.onReassemblyTimeout
	e.mu.Unlock()

	e.udpUp.Store(true)
	e.wg.Add(2)
	go e.udpReceiveLoop()
	go e.udpSendLoop()
}

// Connected reports the single readiness predicate spec.md §6 asks for:
// not closed, and the control channel exists.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.tcp != nil
}

// Done returns a channel closed once Disconnect has been called, so callers
// can block waiting for the engine to tear itself down.
func (e *Engine) Done() <-chan struct{} {
	return e.ctx.Done()
}

// UDPUp reports whether the UDP channel is currently usable.
func (e *Engine) UDPUp() bool {
	return e.udpUp.Load()
}

// SetRateLimit adjusts the shared outbound token bucket; 0 means unlimited.
func (e *Engine) SetRateLimit(bytesPerSecond float64) {
	e.limiter.SetRate(bytesPerSecond)
}

// Limiter returns the engine's shared outbound token bucket, so callers
// that need to pre-assign a stream id (e.g. to register a Download before
// starting the matching Upload) can build a transfer.Upload directly
// instead of going through NewUpload.
func (e *Engine) Limiter() *ratelimit.Bucket {
	return e.limiter
}

// Disconnect idempotently tears the engine down: cancels the shared
// context, closes both transports, resolves every pending request with
// DisconnectedFromServer, and waits for all loops to exit.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	drained := make([]*pending, 0, len(e.responses))
	for id, p := range e.responses {
		drained = append(drained, p)
		delete(e.responses, id)
	}
	tcp := e.tcp
	udpConn := e.udpConn
	e.mu.Unlock()

	e.cancel()
	if tcp != nil {
		_ = tcp.Close()
	}
	if udpConn != nil {
		_ = udpConn.Close()
	}

	for _, p := range drained {
		select {
		case p.result <- pendingResult{outcome: DisconnectedFromServer}:
		default:
		}
	}

	e.wg.Wait()
}

// Send enqueues payload for delivery under id, choosing UDP when the
// payload is UDP-marked and the UDP channel is up, otherwise TCP — spec.md
// §4.F's channel-choice rule.
func (e *Engine) Send(id wire.MessageID, payload wire.Payload) error {
	if payload.Kind() == wire.KindInfoUDP && e.udpUp.Load() {
		select {
		case e.udpSendCh <- outboundUDP{id: id, payload: payload}:
			return nil
		case <-e.ctx.Done():
			return ErrClosed
		}
	}
	select {
	case e.tcpSendCh <- outboundTCP{id: id, payload: payload}:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// SendTransferData implements transfer.Sender so Upload can hand the
// engine its chunks directly.
func (e *Engine) SendTransferData(streamID wire.MessageID, offset uint64, data []byte) error {
	return e.Send(wire.NewMessageID(), &wire.TransferData{StreamID: streamID, Offset: offset, Bytes: data})
}

// SendRequest sends payload as a Request and blocks for a Response
// correlated to it, using the engine's default timeout.
func (e *Engine) SendRequest(payload wire.Payload) (wire.Payload, SendOutcome) {
	return e.SendRequestTimeout(payload, e.cfg.RequestTimeout)
}

// SendRequestTimeout is SendRequest with an explicit timeout override.
func (e *Engine) SendRequestTimeout(payload wire.Payload, timeout time.Duration) (wire.Payload, SendOutcome) {
	id := wire.NewMessageID()
	p := &pending{result: make(chan pendingResult, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, DisconnectedFromServer
	}
	e.responses[id] = p
	e.mu.Unlock()

	if err := e.Send(id, payload); err != nil {
		e.mu.Lock()
		delete(e.responses, id)
		e.mu.Unlock()
		return nil, DisconnectedFromServer
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res.payload, res.outcome
	case <-timer.C:
		e.mu.Lock()
		delete(e.responses, id)
		e.mu.Unlock()
		return nil, MessageSendingTimeout
	case <-e.ctx.Done():
		e.mu.Lock()
		delete(e.responses, id)
		e.mu.Unlock()
		return nil, DisconnectedFromServer
	}
}

// RegisterDownload adds d to the transfer table; it is removed
// automatically once d signals ended, per spec.md §4.A.
func (e *Engine) RegisterDownload(d *transfer.Download) {
	e.mu.Lock()
	e.downloads[d.ID] = d
	e.mu.Unlock()
	d.OnEnded(func() {
		e.mu.Lock()
		delete(e.downloads, d.ID)
		e.mu.Unlock()
	})
}

// NewUpload builds an Upload paced by this engine's rate limiter and wired
// to send chunks through this engine.
func (e *Engine) NewUpload(source transfer.Source) *transfer.Upload {
	return transfer.NewUpload(wire.NewMessageID(), source, e.limiter, e)
}

// StartUpload registers u in the transfer table and starts its background
// loop under the engine's cancellation context.
func (e *Engine) StartUpload(u *transfer.Upload) {
	e.mu.Lock()
	e.uploads[u.ID] = u
	e.mu.Unlock()
	u.OnEnded(func() {
		e.mu.Lock()
		delete(e.uploads, u.ID)
		e.mu.Unlock()
	})
	u.Start(e.ctx)
}

func (e *Engine) onReassemblyTimeout(id wire.MessageID) {
	e.log.WithField("msg_id", id.String()).Warn("udp reassembly timed out")
	e.surfaceFail("udp reassembly timeout")
}

func (e *Engine) surfaceFail(reason string) {
	if e.OnFail != nil {
		e.OnFail(reason)
	}
}

// dispatch implements spec.md §4.F's pattern match on a decoded message.
func (e *Engine) dispatch(msg *wire.Message) {
	switch msg.Payload.Kind() {
	case wire.KindResponse:
		e.resolveResponse(msg)
	case wire.KindRequest:
		e.handleRequest(msg)
	case wire.KindInfoUDP:
		e.handleInfoUDP(msg)
	case wire.KindInfoTCP:
		e.handleInfoTCP(msg)
	}
}

func (e *Engine) resolveResponse(msg *wire.Message) {
	correlated, ok := msg.Payload.(wire.Correlated)
	if !ok {
		return
	}

	e.mu.Lock()
	p, found := e.responses[correlated.RequestID()]
	if found {
		delete(e.responses, correlated.RequestID())
	}
	e.mu.Unlock()
	if !found {
		return // no pending request; drop, per spec.md §4.F
	}

	outcome := Success
	if _, ok := msg.Payload.(*wire.InvalidRequestData); ok {
		outcome = InvalidMessageData
	} else if v, ok := msg.Payload.(wire.Validatable); ok && !v.IsValid() {
		outcome = InvalidMessageData
	}

	result := pendingResult{outcome: outcome}
	if outcome == Success {
		result.payload = msg.Payload
	}

	select {
	case p.result <- result:
	default:
	}
}

func (e *Engine) handleRequest(msg *wire.Message) {
	if v, ok := msg.Payload.(wire.Validatable); ok && !v.IsValid() {
		_ = e.Send(msg.ID, &wire.InvalidRequestData{ReqID: msg.ID, Reason: "request failed its validity check"})
		return
	}
	if e.ProcessRequest == nil {
		return
	}

	go func() {
		resp, err := e.ProcessRequest(msg)
		if err != nil {
			e.log.WithError(err).Warn("ProcessRequest failed")
			_ = e.Send(msg.ID, &wire.InvalidRequestData{ReqID: msg.ID, Reason: err.Error()})
			return
		}
		if resp != nil {
			_ = e.Send(msg.ID, resp)
		}
	}()
}

func (e *Engine) handleInfoUDP(msg *wire.Message) {
	if td, ok := msg.Payload.(*wire.TransferData); ok {
		e.mu.Lock()
		d, found := e.downloads[td.StreamID]
		e.mu.Unlock()
		if found {
			d.ReceiveAsync(td.Bytes, td.Offset)
		}
		return
	}
	if e.ProcessInfo != nil {
		e.ProcessInfo(msg)
	}
}

func (e *Engine) handleInfoTCP(msg *wire.Message) {
	if cr, ok := msg.Payload.(*wire.CryptoReset); ok {
		if e.crypto != nil {
			if err := e.crypto.Rekey(cr.Key, cr.Salt); err != nil {
				e.log.WithError(err).Warn("local rekey failed")
			}
		}
		return
	}
	if e.ProcessInfo != nil {
		e.ProcessInfo(msg)
	}
}

// tcpReceiveLoop blocks on reading the 4-byte length then N bytes, parses
// via the codec, and dispatches — spec.md §4.F's TCP receive loop.
func (e *Engine) tcpReceiveLoop() {
	defer e.wg.Done()
	for {
		msg, err := e.tcp.Receive()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.log.WithError(err).Warn("tcp receive failed")
			e.surfaceFail("tcp receive error: " + err.Error())
			go e.Disconnect()
			return
		}
		e.dispatch(msg)
	}
}

// tcpSendLoop blocks on the TCP channel; for each message it length-prefixes
// and writes, then updates the rate limiter with the observed effective
// throughput — spec.md §4.F and §9's retained feedback-pacing design.
func (e *Engine) tcpSendLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case out := <-e.tcpSendCh:
			start := time.Now()
			n, err := e.tcp.Send(out.id, out.payload)
			elapsed := time.Since(start).Seconds()
			if err != nil {
				e.log.WithError(err).Warn("tcp send failed")
				e.surfaceFail("tcp send error: " + err.Error())
				go e.Disconnect()
				return
			}
			if elapsed > 0 && n > 0 {
				e.limiter.SetRate(float64(n) / elapsed)
			}
		}
	}
}

// udpReceiveLoop blocks on one datagram, runs it through the §4.B receive
// pipeline, and dispatches whatever message it completes.
func (e *Engine) udpReceiveLoop() {
	defer e.wg.Done()
	buf := make([]byte, e.cfg.UDPDatagramMTU)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		n, _, err := e.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.log.WithError(err).Warn("udp read failed")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		msg, err := e.reassembly.Receive(raw)
		if err != nil {
			e.log.WithError(err).Debug("udp packet dropped")
			e.surfaceFail("udp drop: " + err.Error())
			continue
		}
		if msg == nil {
			continue // accepted, reassembly still incomplete
		}
		e.dispatch(msg)
	}
}

// udpSendLoop blocks on the UDP channel; for each message it serializes via
// the codec, then packetizes and encrypts each chunk before sending.
// Pacing for bulk transfers happens in the Upload loop itself (it Acquires
// before handing a chunk to Send), not here, so a single chunk is never
// throttled twice.
func (e *Engine) udpSendLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case out := <-e.udpSendCh:
			body, err := e.codec.Encode(out.id, out.payload)
			if err != nil {
				e.log.WithError(err).Warn("udp encode failed")
				continue
			}

			packets, err := udppacket.SealChunks(e.crypto, out.id, body, e.cfg.UDPMaxPayload)
			if err != nil {
				e.log.WithError(err).Warn("udp seal failed")
				continue
			}

			for _, pkt := range packets {
				if _, err := e.udpConn.WriteToUDP(pkt, e.udpAddr); err != nil {
					e.log.WithError(err).Warn("udp write failed")
					e.surfaceFail("udp write error: " + err.Error())
					break
				}
			}
		}
	}
}
