package sqlite

import (
	stdSync "sync"

	scopes "github.com/scopekit/scopes"
	"github.com/scopekit/scopes/event"
)

// broadcaster fans stored events out to live subscribers. Publishing
// never blocks: when a subscriber's buffer is full its oldest pending
// event is dropped to make room. A subscriber that fell behind can
// recover the gap through GetEventsSince.
type broadcaster struct {
	mu      stdSync.Mutex
	subs    map[*subscription]struct{}
	bufSize int
	closed  bool
}

func newBroadcaster(bufSize int) *broadcaster {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &broadcaster{
		subs:    make(map[*subscription]struct{}),
		bufSize: bufSize,
	}
}

type subscription struct {
	b  *broadcaster
	ch chan event.StoredEvent

	once stdSync.Once
}

var _ scopes.Subscription = (*subscription)(nil)

func (s *subscription) Events() <-chan event.StoredEvent { return s.ch }

func (s *subscription) Close() {
	s.b.unsubscribe(s)
}

func (b *broadcaster) subscribe() *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{b: b, ch: make(chan event.StoredEvent, b.bufSize)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.once.Do(func() { close(sub.ch) })
}

func (b *broadcaster) publish(ev event.StoredEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: drop the oldest pending event and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}
