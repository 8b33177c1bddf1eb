package engine

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/vmnexus/engine/pkg/transfer"
	"github.com/vmnexus/engine/pkg/udpcrypto"
	"github.com/vmnexus/engine/pkg/wire"
)

func newPipeEngines(t *testing.T) (server, client *Engine) {
	t.Helper()
	a, b := net.Pipe()
	server = New("server", newTCPTransport(a), nil, nil, nil, Config{RequestTimeout: 2 * time.Second})
	client = New("client", newTCPTransport(b), nil, nil, nil, Config{RequestTimeout: 2 * time.Second})
	t.Cleanup(func() {
		server.Disconnect()
		client.Disconnect()
	})
	return server, client
}

func TestPingPongRequestResponse(t *testing.T) {
	server, client := newPipeEngines(t)

	server.ProcessRequest = func(msg *wire.Message) (wire.Payload, error) {
		if _, ok := msg.Payload.(*wire.Ping); !ok {
			t.Fatalf("expected Ping, got %T", msg.Payload)
		}
		return &wire.Pong{ReqID: msg.ID}, nil
	}

	resp, outcome := client.SendRequest(&wire.Ping{})
	if outcome != Success {
		t.Fatalf("expected Success, got %v", outcome)
	}
	if _, ok := resp.(*wire.Pong); !ok {
		t.Fatalf("expected Pong response, got %T", resp)
	}
}

func TestInvalidRequestYieldsInvalidMessageData(t *testing.T) {
	server, client := newPipeEngines(t)
	server.ProcessRequest = func(msg *wire.Message) (wire.Payload, error) {
		t.Fatal("ProcessRequest should not be called for an invalid request")
		return nil, nil
	}

	// Name empty and Vcpus 0 both fail CreateVm.IsValid().
	resp, outcome := client.SendRequest(&wire.CreateVm{Name: "", Vcpus: 0, RamMiB: 0})
	if outcome != InvalidMessageData {
		t.Fatalf("expected InvalidMessageData, got %v", outcome)
	}
	if resp != nil {
		t.Fatalf("expected nil payload alongside InvalidMessageData, got %T", resp)
	}
}

func TestSendRequestTimesOutWithNoResponder(t *testing.T) {
	_, client := newPipeEngines(t)
	// No ProcessRequest registered on the far side; it silently drops the
	// request, so the client must time out.
	_, outcome := client.SendRequestTimeout(&wire.Ping{}, 200*time.Millisecond)
	if outcome != MessageSendingTimeout {
		t.Fatalf("expected MessageSendingTimeout, got %v", outcome)
	}
}

func TestDisconnectIsIdempotentAndResolvesPending(t *testing.T) {
	_, client := newPipeEngines(t)

	resultCh := make(chan SendOutcome, 1)
	go func() {
		_, outcome := client.SendRequestTimeout(&wire.Ping{}, 5*time.Second)
		resultCh <- outcome
	}()

	time.Sleep(20 * time.Millisecond) // let SendRequest register before disconnecting
	client.Disconnect()
	client.Disconnect() // idempotent

	select {
	case outcome := <-resultCh:
		if outcome != DisconnectedFromServer {
			t.Fatalf("expected DisconnectedFromServer, got %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was never resolved by Disconnect")
	}
}

func TestUploadDownloadFallsBackToTCPWithoutUDP(t *testing.T) {
	server, client := newPipeEngines(t)

	data := bytes.Repeat([]byte{0x42}, 256*1024)
	sink := &memSinkForEngine{}
	streamID := wire.NewMessageID()
	download := transfer.NewDownload(streamID, uint64(len(data)), sink)

	completed := make(chan struct{})
	download.OnCompleted(func() { close(completed) })
	server.RegisterDownload(download)

	upload := transfer.NewUpload(streamID, &memSourceForEngine{data: data}, client.limiter, client)
	client.StartUpload(upload)

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatal("download never completed")
	}

	if !bytes.Equal(sink.bytes(), data) {
		t.Fatal("received bytes do not match the uploaded stream")
	}
}

type memSinkForEngine struct {
	buf []byte
}

func (s *memSinkForEngine) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	return len(p), nil
}

func (s *memSinkForEngine) Close() error { return nil }

func (s *memSinkForEngine) bytes() []byte { return s.buf }

type memSourceForEngine struct {
	data []byte
	pos  int
}

func (s *memSourceForEngine) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *memSourceForEngine) Close() error { return nil }

func newUDPEnginePair(t *testing.T) (server, client *Engine) {
	t.Helper()

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen server udp: %v", err)
	}
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen client udp: %v", err)
	}

	var key, salt [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand key: %v", err)
	}
	if _, err := rand.Read(salt[:]); err != nil {
		t.Fatalf("rand salt: %v", err)
	}

	serverCrypto, err := udpcrypto.NewService(true, key, salt, 1<<40)
	if err != nil {
		t.Fatalf("server crypto: %v", err)
	}
	clientCrypto, err := udpcrypto.NewService(false, key, salt, 1<<40)
	if err != nil {
		t.Fatalf("client crypto: %v", err)
	}

	a, b := net.Pipe()
	server = New("server", newTCPTransport(a), serverConn, clientConn.LocalAddr().(*net.UDPAddr), serverCrypto, Config{})
	client = New("client", newTCPTransport(b), clientConn, serverConn.LocalAddr().(*net.UDPAddr), clientCrypto, Config{})

	t.Cleanup(func() {
		server.Disconnect()
		client.Disconnect()
	})
	return server, client
}

func TestUDPMediaFrameReassemblyAcrossEngines(t *testing.T) {
	server, client := newUDPEnginePair(t)

	pixels := bytes.Repeat([]byte{0x99}, 128*1024) // 128 KiB, per the media-frame scenario
	frame := &wire.VmScreenFrame{
		VmID:       wire.NewMessageID(),
		WidthPx:    1920,
		HeightPx:   1080,
		SequenceNo: 1,
		Pixels:     pixels,
	}

	received := make(chan *wire.VmScreenFrame, 1)
	server.ProcessInfo = func(msg *wire.Message) {
		if f, ok := msg.Payload.(*wire.VmScreenFrame); ok {
			received <- f
		}
	}

	if err := client.Send(wire.NewMessageID(), frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-received:
		if !bytes.Equal(f.Pixels, pixels) {
			t.Fatal("reassembled pixel data does not match")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("frame never arrived")
	}
}
