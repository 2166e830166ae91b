package events

import (
	"context"
	"sync"
	"time"

	"grantledger.org/internal/ids"
	"grantledger.org/internal/obs"
)

// Stream fan-outs change notifications to all active subscribers
// (SSE clients, indexers). It implements Sink.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

var _ Sink = (*Stream)(nil)

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish stamps the event with an id and timestamp when the emitter left
// them unset, then fan-outs to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	obs.EventPublished(string(evt.Type))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
