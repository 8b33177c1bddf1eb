// Command vmnexus-client dials a vmnexus-server control channel, sends a
// Ping and a ListVms request, then demonstrates an upload over the same
// connection: it streams a generated payload to the server and waits for
// the matching download to report completion.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vmnexus/engine/pkg/engine"
	"github.com/vmnexus/engine/pkg/transfer"
	"github.com/vmnexus/engine/pkg/wire"
)

const defaultTCPPort = 5000

func main() {
	tcpAddr := flag.String("tcp", fmt.Sprintf("127.0.0.1:%d", defaultTCPPort), "server control-channel address")
	rateLimit := flag.Float64("rate", 0, "outbound upload rate cap in bytes/sec, 0 for unlimited")
	uploadSize := flag.Int("upload-bytes", 1<<20, "size of the demo payload to upload")
	flag.Parse()

	log := logrus.WithField("component", "vmnexus-client")

	tcp, err := engine.DialTCP(*tcpAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to dial control channel")
	}

	e := engine.New("client", tcp, nil, nil, nil, engine.Config{RateLimitBps: *rateLimit})
	defer e.Disconnect()

	e.ProcessInfo = func(msg *wire.Message) {
		log.WithField("kind", msg.Payload.Kind()).Debug("received info message")
	}
	e.OnFail = func(reason string) {
		log.WithField("reason", reason).Warn("engine reported a failure")
	}

	resp, outcome := e.SendRequest(&wire.Ping{})
	if outcome != engine.Success {
		log.Fatalf("ping failed: %v", outcome)
	}
	if _, ok := resp.(*wire.Pong); !ok {
		log.Fatalf("expected Pong, got %T", resp)
	}
	log.Info("received pong")

	resp, outcome = e.SendRequest(&wire.ListVms{})
	if outcome != engine.Success {
		log.Fatalf("list vms failed: %v", outcome)
	}
	list, ok := resp.(*wire.VmList)
	if !ok {
		log.Fatalf("expected VmList, got %T", resp)
	}
	log.WithField("count", len(list.Names)).Info("received vm list")

	payload := bytes.Repeat([]byte{0x5a}, *uploadSize)
	streamID := wire.NewMessageID()

	sink := &memSink{}
	download := transfer.NewDownload(streamID, uint64(len(payload)), sink)
	completed := make(chan struct{})
	failed := make(chan struct{})
	download.OnCompleted(func() { close(completed) })
	download.OnFailed(func(error) { close(failed) })
	e.RegisterDownload(download)

	upload := transfer.NewUpload(streamID, &memSource{data: payload}, e.Limiter(), e)
	e.StartUpload(upload)

	log.WithField("bytes", len(payload)).Info("uploading demo payload")

	select {
	case <-completed:
		if !bytes.Equal(sink.bytes(), payload) {
			log.Fatal("uploaded and received bytes do not match")
		}
		log.Info("upload/download round trip completed")
	case <-failed:
		log.Fatal("download failed")
	case <-time.After(60 * time.Second):
		log.Fatal("upload/download round trip timed out")
	}

	os.Exit(0)
}

type memSink struct {
	buf []byte
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	return len(p), nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) bytes() []byte { return s.buf }

type memSource struct {
	data []byte
	pos  int
}

func (s *memSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *memSource) Close() error { return nil }
