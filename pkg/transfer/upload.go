package transfer

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/vmnexus/engine/pkg/wire"
)

const (
	initialUploadBps = 512.0
	minChunkBytes    = 1
	maxChunkBytes    = 1 << 30 // 1 GiB, per spec.md §4.E's pacing bound
)

// Source is the read-only byte stream an Upload drains.
type Source interface {
	io.Reader
	Close() error
}

// RateLimiter is the subset of ratelimit.Bucket an Upload needs.
type RateLimiter interface {
	Acquire(n int)
}

// Sender delivers one upload chunk to the peer as a TransferData info
// message. The engine implements this by wrapping its own Send.
type Sender interface {
	SendTransferData(streamID wire.MessageID, offset uint64, data []byte) error
}

// Upload reads Source sequentially under adaptive, rate-limited pacing and
// hands each chunk to Sender, per spec.md §4.E.
type Upload struct {
	ID      wire.MessageID
	source  Source
	limiter RateLimiter
	sender  Sender

	mu        sync.Mutex
	running   bool
	bytesSent uint64
	cancel    context.CancelFunc

	fut *future

	completed    *broadcaster[struct{}]
	failed       *broadcaster[error]
	ended        *broadcaster[struct{}]
	dataReceived *broadcaster[DataReceivedEvent]
}

// NewUpload builds an Upload over source, pacing sends through limiter and
// delivering chunks through sender.
func NewUpload(id wire.MessageID, source Source, limiter RateLimiter, sender Sender) *Upload {
	return &Upload{
		ID:           id,
		source:       source,
		limiter:      limiter,
		sender:       sender,
		fut:          newFuture(),
		completed:    newBroadcaster[struct{}](),
		failed:       newBroadcaster[error](),
		ended:        newBroadcaster[struct{}](),
		dataReceived: newBroadcaster[DataReceivedEvent](),
	}
}

func (u *Upload) OnCompleted(fn func()) *Subscription {
	return u.completed.Subscribe(func(struct{}) { fn() })
}

func (u *Upload) OnFailed(fn func(error)) *Subscription {
	return u.failed.Subscribe(fn)
}

func (u *Upload) OnEnded(fn func()) *Subscription {
	return u.ended.Subscribe(func(struct{}) { fn() })
}

func (u *Upload) OnDataReceived(fn func(DataReceivedEvent)) *Subscription {
	return u.dataReceived.Subscribe(fn)
}

// Running reports whether the upload is still in flight.
func (u *Upload) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// BytesSent reports the cumulative byte count sent so far.
func (u *Upload) BytesSent() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bytesSent
}

// Wait blocks until the upload completes, fails, or is cancelled.
func (u *Upload) Wait() error {
	return u.fut.Wait()
}

// Start launches the upload's background read/pace/send loop, linked to
// ctx's cancellation.
func (u *Upload) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.running = true
	u.cancel = cancel
	u.mu.Unlock()

	go u.run(loopCtx)
}

// Cancel stops the upload; the in-flight chunk (if any) still completes,
// and the next loop iteration observes cancellation and fails.
func (u *Upload) Cancel() {
	u.mu.Lock()
	cancel := u.cancel
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (u *Upload) run(ctx context.Context) {
	uploadBps := initialUploadBps
	var offset uint64

	for {
		select {
		case <-ctx.Done():
			u.fail(ctx.Err())
			return
		default:
		}

		chunkSize := clampChunkSize(uploadBps)
		buf := make([]byte, chunkSize)

		readStart := time.Now()
		n, readErr := io.ReadFull(u.source, buf)
		readSeconds := time.Since(readStart).Seconds()

		if n > 0 {
			chunk := buf[:n]

			waitStart := time.Now()
			u.limiter.Acquire(n)
			uploadSeconds := time.Since(waitStart).Seconds()

			if err := u.sender.SendTransferData(u.ID, offset, chunk); err != nil {
				u.fail(err)
				return
			}

			u.mu.Lock()
			u.bytesSent += uint64(n)
			u.mu.Unlock()
			u.dataReceived.Fire(DataReceivedEvent{Offset: offset, Length: n})
			offset += uint64(n)

			uploadBps = nextUploadBps(uploadBps, float64(n), readSeconds, uploadSeconds)
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				u.complete()
				return
			}
			u.fail(readErr)
			return
		}
	}
}

// clampChunkSize rounds upload_bps up to a whole byte count and bounds it
// to [1, 1 GiB] per spec.md §4.E.
func clampChunkSize(uploadBps float64) int {
	size := int(math.Ceil(uploadBps))
	if size < minChunkBytes {
		return minChunkBytes
	}
	if size > maxChunkBytes {
		return maxChunkBytes
	}
	return size
}

// nextUploadBps implements spec.md §4.E's update rule: additive growth
// while the source can outrun the limiter and the wait was short, otherwise
// backoff proportional to how long Acquire made the caller wait.
func nextUploadBps(uploadBps, chunkSize, readSeconds, uploadSeconds float64) float64 {
	if readSeconds <= 0 {
		readSeconds = 1e-9
	}
	readBps := chunkSize / readSeconds

	if readBps > uploadBps && uploadSeconds < 1 {
		uploadBps *= 1 + 100/math.Sqrt(uploadBps)
	} else {
		if uploadSeconds <= 0 {
			uploadSeconds = 1e-9
		}
		uploadBps *= 1 / uploadSeconds
	}

	if uploadBps < minChunkBytes {
		uploadBps = minChunkBytes
	}
	if uploadBps > maxChunkBytes {
		uploadBps = maxChunkBytes
	}
	return uploadBps
}

func (u *Upload) complete() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	u.mu.Unlock()

	_ = u.source.Close()
	u.fut.complete(nil)
	u.completed.Fire(struct{}{})
	u.ended.Fire(struct{}{})
}

func (u *Upload) fail(err error) {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	u.mu.Unlock()

	_ = u.source.Close()
	u.fut.complete(err)
	u.failed.Fire(err)
	u.ended.Fire(struct{}{})
}
