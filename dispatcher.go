package hitch

import "sync"

// dispatcher delivers queued values to listeners in queue order. A single
// goroutine drains at a time; nested or concurrent drain calls return
// immediately and the active drainer delivers what they queued. Listeners
// may enqueue and drain from inside a callback.
type dispatcher[T any] struct {
	mu          sync.Mutex
	pending     []delivery[T]
	dispatching bool
	nextID      uint64
	listeners   []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// delivery targets a single listener when target is set, all otherwise.
type delivery[T any] struct {
	value  T
	target uint64
}

func (d *dispatcher[T]) subscribe(fn func(T)) (id uint64, unsubscribe func()) {
	if fn == nil {
		return 0, func() {}
	}

	d.mu.Lock()
	d.nextID++
	id = d.nextID
	d.listeners = append(d.listeners, listener[T]{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return id, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, l := range d.listeners {
				if l.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *dispatcher[T]) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// enqueue queues v for every listener registered when it is delivered.
func (d *dispatcher[T]) enqueue(v T) {
	d.enqueueFor(0, v)
}

// enqueueFor queues v for the listener with the given id only.
func (d *dispatcher[T]) enqueueFor(target uint64, v T) {
	d.mu.Lock()
	d.pending = append(d.pending, delivery[T]{value: v, target: target})
	d.mu.Unlock()
}

func (d *dispatcher[T]) drain() {
	d.mu.Lock()
	if d.dispatching {
		d.mu.Unlock()
		return
	}
	d.dispatching = true

	for len(d.pending) > 0 {
		next := d.pending[0]
		d.pending[0] = delivery[T]{}
		d.pending = d.pending[1:]
		ls := make([]listener[T], 0, len(d.listeners))
		for _, l := range d.listeners {
			if next.target == 0 || next.target == l.id {
				ls = append(ls, l)
			}
		}
		d.mu.Unlock()

		for _, l := range ls {
			l.fn(next.value)
		}

		d.mu.Lock()
	}

	d.dispatching = false
	d.mu.Unlock()
}
