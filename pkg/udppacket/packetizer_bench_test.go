package udppacket_test

import (
	"bytes"
	"testing"

	"github.com/vmnexus/engine/pkg/udpcrypto"
	"github.com/vmnexus/engine/pkg/udppacket"
	"github.com/vmnexus/engine/pkg/wire"
)

func newBenchCryptoPair(b *testing.B) (*udpcrypto.Service, *udpcrypto.Service) {
	b.Helper()
	key, salt, err := udpcrypto.GenerateKeyMaterial()
	if err != nil {
		b.Fatalf("generate key material: %v", err)
	}
	server, err := udpcrypto.NewService(true, key, salt, 1<<32)
	if err != nil {
		b.Fatalf("server service: %v", err)
	}
	client, err := udpcrypto.NewService(false, key, salt, 1<<32)
	if err != nil {
		b.Fatalf("client service: %v", err)
	}
	return server, client
}

// --------------------
// Benchmarks: Split
// --------------------

func BenchmarkSplit_64KiB(b *testing.B) {
	data := bytes.Repeat([]byte{0x7a}, 64*1024)
	maxPayload := udppacket.DefaultMaxPayload

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		chunks := udppacket.Split(data, maxPayload)
		_ = chunks
	}
}

// --------------------
// Benchmarks: SealChunks / reassembly round trip
// --------------------

func BenchmarkSealChunks_128KiB(b *testing.B) {
	sealer, _ := newBenchCryptoPair(b)
	data := bytes.Repeat([]byte{0x5a}, 128*1024)
	msgID := wire.NewMessageID()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		packets, err := udppacket.SealChunks(sealer, msgID, data, udppacket.DefaultMaxPayload)
		if err != nil {
			b.Fatal(err)
		}
		_ = packets
	}
}

func BenchmarkReassemble_128KiB(b *testing.B) {
	sealer, opener := newBenchCryptoPair(b)
	codec := wire.NewCodec()
	frame := &wire.VmScreenFrame{
		VmID:       wire.NewMessageID(),
		WidthPx:    1920,
		HeightPx:   1080,
		SequenceNo: 1,
		Pixels:     bytes.Repeat([]byte{0x5a}, 128*1024),
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		msgID := wire.NewMessageID()
		body, err := codec.Encode(msgID, frame)
		if err != nil {
			b.Fatal(err)
		}
		packets, err := udppacket.SealChunks(sealer, msgID, body, udppacket.DefaultMaxPayload)
		if err != nil {
			b.Fatal(err)
		}
		table := udppacket.NewTable(opener, udppacket.DefaultMaxPayload, udppacket.DefaultMaxMessageSize, udppacket.DefaultDatagramMTU, 0)
		b.StartTimer()

		var final *wire.Message
		for _, p := range packets {
			msg, err := table.Receive(p)
			if err != nil {
				b.Fatal(err)
			}
			if msg != nil {
				final = msg
			}
		}
		if final == nil {
			b.Fatal("reassembly never completed")
		}
	}
}
