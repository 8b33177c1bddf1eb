package engine

import (
	"net"
	"sync"

	"github.com/vmnexus/engine/pkg/wire"
)

// Transport is the reliable control-channel abstraction the engine drives.
// TCP and WebSocket both satisfy it, framing messages differently
// underneath: TCP uses an explicit 4-byte length prefix per spec.md §6;
// WebSocket messages are already framed by the protocol itself.
type Transport interface {
	// Send returns the number of wire bytes written, so callers can derive
	// observed throughput without re-marshaling the payload.
	Send(id wire.MessageID, payload wire.Payload) (int, error)
	Receive() (*wire.Message, error)
	Close() error
	RemoteAddr() string
}

// tcpTransport adapts a net.Conn to Transport using the length-prefixed
// framing in wire.Codec.EncodeFrame/ReadFrame.
type tcpTransport struct {
	conn  net.Conn
	codec *wire.Codec

	mu sync.Mutex // serializes writes; net.Conn.Write is not safe for concurrent callers
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, codec: wire.NewCodec()}
}

// NewTCPTransport adapts an already-established net.Conn (e.g. one handed
// to a net.Listener's Accept callback) into a Transport.
func NewTCPTransport(conn net.Conn) Transport {
	return newTCPTransport(conn)
}

func (t *tcpTransport) Send(id wire.MessageID, payload wire.Payload) (int, error) {
	framed, err := t.codec.EncodeFrame(id, payload)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.conn.Write(framed)
	return len(framed), err
}

func (t *tcpTransport) Receive() (*wire.Message, error) {
	return t.codec.ReadFrame(t.conn)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	if t.conn.RemoteAddr() == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// tcpListener wraps net.Listener for the server side, adapted from
// rdgproto/server.go's netListenerAdapter.
type tcpListener struct {
	listener net.Listener
}

// listenTCP starts listening on addr for control-channel connections.
func listenTCP(addr string) (*tcpListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{listener: l}, nil
}

func (l *tcpListener) Accept() (Transport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPTransport(conn), nil
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

func (l *tcpListener) Addr() string {
	return l.listener.Addr().String()
}

// dialTCP connects to a server's control-channel address.
func dialTCP(addr string) (Transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTCPTransport(conn), nil
}

// DialTCP connects to a server's control-channel address and returns a
// ready-to-use Transport.
func DialTCP(addr string) (Transport, error) {
	return dialTCP(addr)
}
