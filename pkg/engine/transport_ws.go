package engine

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vmnexus/engine/pkg/wire"
)

// wsTransport adapts a *websocket.Conn to Transport. Each WebSocket binary
// message carries exactly one wire-level envelope (Codec.Encode's output,
// with no outer length prefix — the WebSocket framing already delimits
// messages), mirroring the read/dispatch loop shape of
// localrivet-gomcp's server/websocket_transport.go session handler.
type wsTransport struct {
	conn  *websocket.Conn
	codec *wire.Codec

	mu sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(int64(wire.MaxPayloadSize) + wire.HeaderSize)
	return &wsTransport{conn: conn, codec: wire.NewCodec()}
}

func (t *wsTransport) Send(id wire.MessageID, payload wire.Payload) (int, error) {
	body, err := t.codec.Encode(id, payload)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return 0, err
	}
	return len(body), nil
}

func (t *wsTransport) Receive() (*wire.Message, error) {
	_, body, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return t.codec.Decode(body)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	if t.conn.RemoteAddr() == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

var wsUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// UpgradeWS upgrades an inbound HTTP request to the control-channel
// WebSocket Transport; callers wire this into their own http.Handler at the
// server's WebSocket path.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSTransport(conn), nil
}

// DialWS connects to a server's WebSocket control-channel endpoint.
func DialWS(url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newWSTransport(conn), nil
}
