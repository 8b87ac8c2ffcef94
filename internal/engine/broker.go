package engine

import (
	"sync"

	"github.com/seantiz/escrowd/internal/model"
)

// streamBuffer is how many events a subscriber may lag behind before new
// events are dropped for it. Readers that fall behind recover from the
// persisted history.
const streamBuffer = 64

// EventBroker delivers committed engagement events to live subscribers, one
// stream per engagement. Sequenced events (Seq > 0) are delivered at most once
// and in increasing order; a replayed or stale event is ignored.
//
// Completing an engagement ends its stream for good: the broker remembers it,
// so a subscriber arriving afterwards gets a closed channel.
type EventBroker struct {
	mu      sync.Mutex
	streams map[int64]*eventStream
}

type eventStream struct {
	readers map[int]chan model.Event
	next    int
	lastSeq int64
	ended   bool
}

// NewEventBroker returns an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{streams: make(map[int64]*eventStream)}
}

func (b *EventBroker) stream(engagementID int64) *eventStream {
	s, ok := b.streams[engagementID]
	if !ok {
		s = &eventStream{readers: make(map[int]chan model.Event)}
		b.streams[engagementID] = s
	}
	return s
}

// Subscribe registers a reader for the engagement's events. The returned
// function removes the reader; it is safe to call more than once.
func (b *EventBroker) Subscribe(engagementID int64) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(engagementID)
	ch := make(chan model.Event, streamBuffer)
	if s.ended {
		close(ch)
		return ch, func() {}
	}

	id := s.next
	s.next++
	s.readers[id] = ch
	return ch, func() {
		b.mu.Lock()
		delete(s.readers, id)
		b.mu.Unlock()
	}
}

// Publish hands ev to every reader of its engagement without blocking.
func (b *EventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[ev.EngagementID]
	if !ok || s.ended {
		return
	}
	if ev.Seq > 0 {
		if ev.Seq <= s.lastSeq {
			return
		}
		s.lastSeq = ev.Seq
	}

	for _, ch := range s.readers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the engagement's stream and closes every reader channel.
func (b *EventBroker) Close(engagementID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(engagementID)
	s.ended = true
	for id, ch := range s.readers {
		close(ch)
		delete(s.readers, id)
	}
}
