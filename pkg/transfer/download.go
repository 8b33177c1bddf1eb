// Package transfer implements the upload/download state machines of
// spec.md §4.E: a Download that drains TransferData chunks into a sink, and
// an Upload that reads a source under rate-limiter pacing and emits
// TransferData chunks. The running/done/errChan shape of both handlers is
// grounded on rdgproto's Client (client.go's running flag, done channel and
// buffered errChan), generalized from "one connection's receive loop" to
// "one transfer's lifecycle".
package transfer

import (
	"errors"
	"sync"

	"github.com/vmnexus/engine/pkg/wire"
)

var (
	// ErrAlreadyEnded reports that a transfer has already completed or
	// failed. ReceiveAsync does not return it: chunks that arrive after a
	// Download has ended are ignored.
	ErrAlreadyEnded = errors.New("transfer: already ended")
)

// Sink is the write-only destination a Download drains into. Overlapping
// WriteAt calls at the same offset must be idempotent; the protocol never
// reuses an offset, so implementations need not special-case it.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// Download owns a write-only sink and the bookkeeping spec.md §4.E
// describes for a transfer's receiving side.
type Download struct {
	ID   wire.MessageID
	Size uint64

	sink Sink

	mu            sync.Mutex
	bytesReceived uint64
	running       bool

	fut *future

	completed    *broadcaster[struct{}]
	failed       *broadcaster[error]
	ended        *broadcaster[struct{}]
	dataReceived *broadcaster[DataReceivedEvent]
}

// NewDownload builds a running Download of the given declared size, draining
// into sink.
func NewDownload(id wire.MessageID, size uint64, sink Sink) *Download {
	return &Download{
		ID:           id,
		Size:         size,
		sink:         sink,
		running:      true,
		fut:          newFuture(),
		completed:    newBroadcaster[struct{}](),
		failed:       newBroadcaster[error](),
		ended:        newBroadcaster[struct{}](),
		dataReceived: newBroadcaster[DataReceivedEvent](),
	}
}

func (d *Download) OnCompleted(fn func()) *Subscription {
	return d.completed.Subscribe(func(struct{}) { fn() })
}

func (d *Download) OnFailed(fn func(error)) *Subscription {
	return d.failed.Subscribe(fn)
}

func (d *Download) OnEnded(fn func()) *Subscription {
	return d.ended.Subscribe(func(struct{}) { fn() })
}

func (d *Download) OnDataReceived(fn func(DataReceivedEvent)) *Subscription {
	return d.dataReceived.Subscribe(fn)
}

// Running reports whether the download has neither completed nor failed.
func (d *Download) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// BytesReceived reports the cumulative byte count accepted so far.
func (d *Download) BytesReceived() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesReceived
}

// Wait blocks until the download completes or fails, returning the terminal
// error (nil on success).
func (d *Download) Wait() error {
	return d.fut.Wait()
}

// ReceiveAsync implements spec.md §4.E's Download.ReceiveAsync: extend the
// sink as needed (WriteAt on most sinks, e.g. *os.File, grows the
// underlying file itself), write the chunk, and fire completed/ended or
// data-received depending on whether this chunk finished the transfer.
func (d *Download) ReceiveAsync(data []byte, offset uint64) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if _, err := d.sink.WriteAt(data, int64(offset)); err != nil {
		d.fail(err)
		return
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.bytesReceived += uint64(len(data))
	complete := d.bytesReceived >= d.Size
	if complete {
		d.running = false
	}
	d.mu.Unlock()

	if !complete {
		d.dataReceived.Fire(DataReceivedEvent{Offset: offset, Length: len(data)})
		return
	}

	closeErr := d.sink.Close()
	d.fut.complete(closeErr)
	if closeErr != nil {
		d.failed.Fire(closeErr)
	} else {
		d.completed.Fire(struct{}{})
	}
	d.ended.Fire(struct{}{})
}

func (d *Download) fail(err error) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	_ = d.sink.Close()
	d.fut.complete(err)
	d.failed.Fire(err)
	d.ended.Fire(struct{}{})
}
