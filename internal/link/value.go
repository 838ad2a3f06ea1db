package link

import "sync"

// Value is a single-writer, multi-reader observable. Subscribers get the
// latest value on a buffered channel; a slow subscriber misses intermediate
// updates instead of stalling the writer.
type Value[T any] struct {
	mu   sync.RWMutex
	v    T
	subs map[chan T]struct{}
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[chan T]struct{})}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.v
}

// Set stores v and notifies subscribers.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	o.v = v
	for ch := range o.subs {
		select {
		case ch <- v:
		default:
			// replace the stale pending value with the newest one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
	o.mu.Unlock()
}

// Subscribe returns a channel primed with the current value and a cancel
// func that closes it.
func (o *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	o.mu.Lock()
	ch <- o.v
	o.subs[ch] = struct{}{}
	o.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, ch)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current subscriber count.
func (o *Value[T]) Subscribers() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}
