// Package broadcast fans events out to any number of observers.
//
// Every observer owns a bounded queue. Publish never blocks: when a queue is
// full the event is dropped for that observer only and counted. Events reach
// each observer in publish order.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Autovisor/internal/model"
)

// Recorder receives delivery statistics. *metrics.Metrics implements it.
type Recorder interface {
	EventPublished(kind model.EventKind)
	EventDropped(kind model.EventKind)
	Observers(n int)
}

type Observer struct {
	id      string
	events  chan model.Event
	done    chan struct{}
	dropped atomic.Uint64
}

func (o *Observer) ID() string {
	return o.id
}

// Events is closed once the observer is unsubscribed.
func (o *Observer) Events() <-chan model.Event {
	return o.events
}

// Done is closed once the observer is unsubscribed.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Dropped returns the number of events lost on a full queue.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

type Hub struct {
	mx        sync.Mutex
	buffer    int
	observers map[string]*Observer
	closed    bool
	recorder  Recorder
}

type Option func(*Hub)

func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		h.recorder = r
	}
}

// NewHub returns a hub whose observers buffer up to buffer events.
func NewHub(buffer int, opts ...Option) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	h := &Hub{
		buffer:    buffer,
		observers: make(map[string]*Observer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new observer. On a closed hub the returned observer
// is already done.
func (h *Hub) Subscribe() *Observer {
	o := &Observer{
		id:     uuid.NewString(),
		events: make(chan model.Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closed {
		close(o.done)
		close(o.events)
		return o
	}
	h.observers[o.id] = o
	h.observe()
	return o
}

// Unsubscribe removes o and closes its channels. It is idempotent.
func (h *Hub) Unsubscribe(o *Observer) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.remove(o)
	h.observe()
}

// Publish delivers ev to every observer and returns how many accepted it.
func (h *Hub) Publish(ev model.Event) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.recorder != nil {
		h.recorder.EventPublished(ev.Kind)
	}
	n := 0
	for _, o := range h.observers {
		if h.deliver(o, ev) {
			n++
		}
	}
	return n
}

// Send delivers ev to o only. It returns false when o is gone or its queue
// is full.
func (h *Hub) Send(o *Observer, ev model.Event) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	if _, ok := h.observers[o.id]; !ok {
		return false
	}
	return h.deliver(o, ev)
}

func (h *Hub) Len() int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return len(h.observers)
}

// Close unsubscribes every observer. Subsequent subscriptions are done
// immediately.
func (h *Hub) Close() {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.closed = true
	for _, o := range h.observers {
		h.remove(o)
	}
	h.observe()
}

func (h *Hub) deliver(o *Observer, ev model.Event) bool {
	select {
	case o.events <- ev:
		return true
	default:
		o.dropped.Add(1)
		if h.recorder != nil {
			h.recorder.EventDropped(ev.Kind)
		}
		return false
	}
}

func (h *Hub) remove(o *Observer) {
	if _, ok := h.observers[o.id]; !ok {
		return
	}
	delete(h.observers, o.id)
	close(o.done)
	close(o.events)
}

func (h *Hub) observe() {
	if h.recorder != nil {
		h.recorder.Observers(len(h.observers))
	}
}
