package transfer

import "sync"

// Subscription is returned by every On* registration; Unsubscribe detaches
// the listener. Safe to call more than once.
type Subscription struct {
	unsubscribe func()
	once        sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// broadcaster is a small "observer list with snapshot-on-fire" primitive:
// Fire copies the current listener set under lock, then calls each listener
// outside the lock, so a listener that subscribes or unsubscribes from
// within a callback can never deadlock or observe a torn list.
type broadcaster[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[int]func(T))}
}

func (b *broadcaster[T]) Subscribe(fn func(T)) *Subscription {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return &Subscription{unsubscribe: func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}}
}

func (b *broadcaster[T]) Fire(v T) {
	b.mu.Lock()
	snapshot := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		snapshot = append(snapshot, fn)
	}
	b.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// DataReceivedEvent describes one chunk accepted by a transfer, upload or
// download side alike.
type DataReceivedEvent struct {
	Offset uint64
	Length int
}

// future is a single-assignment completion signal, analogous to the
// "completion future" spec.md assigns to each transfer.
type future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *future) Wait() error {
	<-f.done
	return f.err
}

func (f *future) Done() <-chan struct{} {
	return f.done
}
