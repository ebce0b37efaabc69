package events

import "sync"

// Feed fans values out to any number of consumers. Subscriptions compose:
// each Subscribe adds a listener and returns the func that removes it.
type Feed[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

func (f *Feed[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(T))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish calls every listener in the caller's goroutine.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	fns := make([]func(T), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
