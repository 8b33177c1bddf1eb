package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmnexus/engine/pkg/wire"
)

// memSink is an in-memory Sink for tests.
type memSink struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	return len(p), nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

type failingSink struct{}

func (failingSink) WriteAt(p []byte, off int64) (int, error) { return 0, errors.New("disk full") }
func (failingSink) Close() error                             { return nil }

func TestDownloadCompletesWhenAllBytesArrive(t *testing.T) {
	sink := &memSink{}
	data := bytes.Repeat([]byte{0x5A}, 10000)
	d := NewDownload(wire.NewMessageID(), uint64(len(data)), sink)

	var completedFired, endedFired bool
	var dataEvents int
	d.OnCompleted(func() { completedFired = true })
	d.OnEnded(func() { endedFired = true })
	d.OnDataReceived(func(DataReceivedEvent) { dataEvents++ })

	const chunk = 1000
	for off := 0; off < len(data); off += chunk {
		d.ReceiveAsync(data[off:off+chunk], uint64(off))
	}

	require.NoError(t, d.Wait())
	require.True(t, completedFired)
	require.True(t, endedFired)
	require.Equal(t, len(data)/chunk-1, dataEvents) // every chunk but the last that completes it
	require.True(t, sink.closed)
	require.Equal(t, data, sink.bytes())
	require.False(t, d.Running())
}

func TestDownloadFailsOnSinkError(t *testing.T) {
	d := NewDownload(wire.NewMessageID(), 100, failingSink{})

	var failErr error
	var endedFired bool
	d.OnFailed(func(err error) { failErr = err })
	d.OnEnded(func() { endedFired = true })

	d.ReceiveAsync([]byte("hello"), 0)

	require.Error(t, d.Wait())
	require.Error(t, failErr)
	require.True(t, endedFired)
	require.False(t, d.Running())
}

func TestDownloadIgnoresChunksAfterEnded(t *testing.T) {
	sink := &memSink{}
	d := NewDownload(wire.NewMessageID(), 5, sink)
	d.ReceiveAsync([]byte("hello"), 0)
	require.NoError(t, d.Wait())

	// A stray chunk after completion must not panic or reopen the sink.
	d.ReceiveAsync([]byte("world"), 5)
	require.False(t, d.Running())
}

// memSource is an in-memory Source for tests.
type memSource struct {
	data   []byte
	pos    int
	closed bool
}

func (s *memSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *memSource) Close() error {
	s.closed = true
	return nil
}

// noopLimiter never blocks, so upload pacing tests run fast.
type noopLimiter struct{}

func (noopLimiter) Acquire(int) {}

type recordingSender struct {
	mu     sync.Mutex
	chunks [][]byte
	fail   bool
}

func (s *recordingSender) SendTransferData(streamID wire.MessageID, offset uint64, data []byte) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.chunks = append(s.chunks, cp)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) all() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

func TestUploadSendsAllBytesAndCompletes(t *testing.T) {
	data := bytes.Repeat([]byte{0x7E}, 50000)
	source := &memSource{data: data}
	sender := &recordingSender{}
	u := NewUpload(wire.NewMessageID(), source, noopLimiter{}, sender)

	var completed bool
	u.OnCompleted(func() { completed = true })

	u.Start(context.Background())

	select {
	case <-u.fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete in time")
	}

	require.NoError(t, u.Wait())
	require.True(t, completed)
	require.True(t, source.closed)
	require.Equal(t, data, sender.all())
}

func TestUploadFailsWhenSenderErrors(t *testing.T) {
	source := &memSource{data: bytes.Repeat([]byte{1}, 10000)}
	sender := &recordingSender{fail: true}
	u := NewUpload(wire.NewMessageID(), source, noopLimiter{}, sender)

	var failed error
	u.OnFailed(func(err error) { failed = err })

	u.Start(context.Background())

	select {
	case <-u.fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not fail in time")
	}

	require.Error(t, u.Wait())
	require.Error(t, failed)
	require.True(t, source.closed)
}

func TestUploadCancelStopsTheLoop(t *testing.T) {
	source := &memSource{data: bytes.Repeat([]byte{1}, 50000)}
	sender := &recordingSender{}
	u := NewUpload(wire.NewMessageID(), source, noopLimiter{}, sender)

	u.Start(context.Background())
	u.Cancel()

	select {
	case <-u.fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled upload did not end in time")
	}

	require.Error(t, u.Wait())
	require.True(t, source.closed)
}

func TestAdaptivePacingGrowsThenBacksOff(t *testing.T) {
	bps := initialUploadBps

	// Source outruns the limiter and the wait is short: grow.
	bps = nextUploadBps(bps, 10000, 0.01, 0.1)
	require.Greater(t, bps, initialUploadBps)

	grown := bps
	// The limiter makes the caller wait a long time: back off.
	bps = nextUploadBps(bps, 10000, 0.01, 5)
	require.Less(t, bps, grown)
}

func TestClampChunkSizeRespectsBounds(t *testing.T) {
	require.Equal(t, minChunkBytes, clampChunkSize(0))
	require.Equal(t, maxChunkBytes, clampChunkSize(float64(maxChunkBytes)*2))
	require.Equal(t, 512, clampChunkSize(511.2))
}
