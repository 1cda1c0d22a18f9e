package events

import "sync"

const defaultFeedHistory = 256

// Envelope pairs an event with the position it was published at.
type Envelope struct {
	Seq   uint64
	Event Event
}

// Feed fans emitted events out to any number of subscribers. Slow subscribers
// miss events instead of stalling the emitter; the bounded history lets a
// reconnecting client catch up from its last seen position.
type Feed struct {
	mu      sync.Mutex
	seq     uint64
	history []Envelope
	limit   int
	subs    map[uint64]chan Envelope
	nextSub uint64
}

// NewFeed constructs a feed retaining up to history recent events. A
// non-positive value selects the default.
func NewFeed(history int) *Feed {
	if history <= 0 {
		history = defaultFeedHistory
	}
	return &Feed{limit: history, subs: make(map[uint64]chan Envelope)}
}

// Emit implements Emitter.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	env := Envelope{Seq: f.seq, Event: evt}
	f.history = append(f.history, env)
	if len(f.history) > f.limit {
		f.history = append([]Envelope(nil), f.history[len(f.history)-f.limit:]...)
	}
	for _, ch := range f.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// Subscribe registers a listener. Events published after position after that
// are still retained are returned as backlog. The cancel func must be called to
// release the subscription.
func (f *Feed) Subscribe(after uint64, buffer int) (<-chan Envelope, []Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	var backlog []Envelope
	for _, env := range f.history {
		if env.Seq > after {
			backlog = append(backlog, env)
		}
	}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, backlog, cancel
}

// Subscribers reports the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// MultiEmitter forwards every event to each wrapped emitter in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
