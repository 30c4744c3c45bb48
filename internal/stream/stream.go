// Package stream fans recorded activity entries out to live subscribers
// (Server-Sent Events clients of the activity feed).
package stream

import (
	"context"
	"sync"

	"mallpanel.org/internal/audit"
)

const defaultBuffer = 16

// Feed broadcasts entries to every active subscriber.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan audit.Entry
	next   int
	buffer int
}

// New initialises an empty feed. buffer is the per-subscriber queue length;
// values below one use the default.
func New(buffer int) *Feed {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Feed{subs: make(map[int]chan audit.Entry), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive entries.
// The channel is closed when the provided context ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan audit.Entry {
	ch := make(chan audit.Entry, f.buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish hands e to all subscribers. A subscriber whose queue is full misses it.
func (f *Feed) Publish(e audit.Entry) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers reports how many clients are attached.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
