// Command vmnexus-server runs a minimal vmnexus control-plane listener: it
// accepts TCP control connections, answers Ping with Pong and ListVms with
// an empty VmList, replies InvalidRequestData to any other request, and logs
// the info messages it receives. Each connection's
// UDP media channel would be brought up afterward via Engine.EnableUDP once
// the client's handshake negotiates a socket and session keys; this example
// only demonstrates the always-present TCP control path.
package main

import (
	"flag"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/vmnexus/engine/pkg/engine"
	"github.com/vmnexus/engine/pkg/wire"
)

const (
	defaultTCPPort = 5000
	defaultUDPPort = 5002
)

func main() {
	tcpAddr := flag.String("tcp", fmt.Sprintf("0.0.0.0:%d", defaultTCPPort), "TCP control-channel listen address")
	flag.Parse()

	log := logrus.WithField("component", "vmnexus-server")

	listener, err := net.Listen("tcp", *tcpAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen on tcp")
	}
	log.WithFields(logrus.Fields{
		"addr":          listener.Addr().String(),
		"udp_port_note": fmt.Sprintf("udp media channel defaults to port %d per connection", defaultUDPPort),
	}).Info("listening for control connections")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Warn("accept failed")
			continue
		}
		go serveConnection(log, conn)
	}
}

func serveConnection(log *logrus.Entry, conn net.Conn) {
	defer conn.Close()

	e := engine.New("server", wrapTCP(conn), nil, nil, nil, engine.Config{})
	defer e.Disconnect()

	e.ProcessRequest = func(msg *wire.Message) (wire.Payload, error) {
		switch msg.Payload.(type) {
		case *wire.Ping:
			return &wire.Pong{ReqID: msg.ID}, nil
		case *wire.ListVms:
			return &wire.VmList{ReqID: msg.ID}, nil
		default:
			return &wire.InvalidRequestData{ReqID: msg.ID, Reason: "unsupported request type"}, nil
		}
	}
	e.ProcessInfo = func(msg *wire.Message) {
		log.WithField("kind", msg.Payload.Kind()).Debug("received info message")
	}
	e.OnFail = func(reason string) {
		log.WithField("reason", reason).Warn("engine reported a failure")
	}

	<-e.Done() // blocks until the connection dies and Disconnect unwinds the loops
}

// wrapTCP is split out so it's easy to swap in a WebSocket Transport built
// from engine.UpgradeWS without touching the dispatch wiring above.
func wrapTCP(conn net.Conn) engine.Transport {
	return engine.NewTCPTransport(conn)
}
