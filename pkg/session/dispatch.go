package session

import "sync"

// dispatcher delivers items to a consumer callback on a dedicated goroutine.
// enqueue never blocks the caller; items are delivered strictly in enqueue
// order. This keeps the websocket read loop decoupled from slow consumers
// while preserving per-stream ordering.
type dispatcher[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	done   chan struct{}
}

func newDispatcher[T any](fn func(T)) *dispatcher[T] {
	d := &dispatcher[T]{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run(fn)
	return d
}

func (d *dispatcher[T]) enqueue(item T) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.items = append(d.items, item)
	d.mu.Unlock()
	d.cond.Signal()
}

// close stops the dispatcher after draining anything already queued.
func (d *dispatcher[T]) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Signal()
	<-d.done
}

func (d *dispatcher[T]) run(fn func(T)) {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.items) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.items) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		item := d.items[0]
		d.items = d.items[1:]
		d.mu.Unlock()

		fn(item)
	}
}
