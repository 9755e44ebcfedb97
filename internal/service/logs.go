package service

import (
	"sync"

	"github.com/CZERTAINLY/Autovisor/internal/model"
)

const (
	DefaultLogBuffer   = 500
	DefaultLogFinished = 64
)

// logRing keeps the last capacity log events of one job.
type logRing struct {
	events   []model.LogEvent
	capacity int
	next     int
	full     bool
}

func newLogRing(capacity int) *logRing {
	return &logRing{
		events:   make([]model.LogEvent, capacity),
		capacity: capacity,
	}
}

func (ring *logRing) add(ev model.LogEvent) {
	ring.events[ring.next] = ev
	ring.next = (ring.next + 1) % ring.capacity
	if ring.next == 0 {
		ring.full = true
	}
}

func (ring *logRing) len() int {
	if ring.full {
		return ring.capacity
	}
	return ring.next
}

// last returns up to limit most recent events, oldest first.
func (ring *logRing) last(limit int) []model.LogEvent {
	n := ring.len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.LogEvent, limit)
	start := ring.next - limit
	if start < 0 {
		start += ring.capacity
	}
	for i := range limit {
		out[i] = ring.events[(start+i)%ring.capacity]
	}
	return out
}

// logBook holds the output of active jobs plus a bounded number of finished
// ones, so late readers still see why a job ended.
type logBook struct {
	mx       sync.RWMutex
	size     int
	keep     int
	rings    map[model.JobKey]*logRing
	finished []model.JobKey // oldest first
}

func newLogBook(size, keep int) *logBook {
	if size <= 0 {
		size = DefaultLogBuffer
	}
	if keep < 0 {
		keep = 0
	}
	return &logBook{
		size:  size,
		keep:  keep,
		rings: make(map[model.JobKey]*logRing),
	}
}

// reset starts an empty buffer for a new run of key.
func (b *logBook) reset(key model.JobKey) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.unfinish(key)
	b.rings[key] = newLogRing(b.size)
}

// add appends ev to the buffer of key. Buffers are created by reset only,
// so late output of an evicted run is dropped.
func (b *logBook) add(key model.JobKey, ev model.LogEvent) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	ring, ok := b.rings[key]
	if !ok {
		return false
	}
	ring.add(ev)
	return true
}

// finish marks key as ended and evicts the oldest finished buffers.
func (b *logBook) finish(key model.JobKey) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if _, ok := b.rings[key]; !ok {
		return
	}
	b.unfinish(key)
	b.finished = append(b.finished, key)
	for len(b.finished) > b.keep {
		delete(b.rings, b.finished[0])
		b.finished = b.finished[1:]
	}
}

func (b *logBook) recent(key model.JobKey, limit int) []model.LogEvent {
	b.mx.RLock()
	defer b.mx.RUnlock()
	ring, ok := b.rings[key]
	if !ok {
		return []model.LogEvent{}
	}
	return ring.last(limit)
}

func (b *logBook) unfinish(key model.JobKey) {
	for i, k := range b.finished {
		if k == key {
			b.finished = append(b.finished[:i], b.finished[i+1:]...)
			return
		}
	}
}
