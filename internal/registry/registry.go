// Package registry keeps the in-memory map of active jobs. A record exists
// exactly as long as the supervisor considers its process alive.
package registry

import (
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Autovisor/internal/model"
)

// Process is the live handle of a supervised child.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
}

type Record struct {
	Key     model.JobKey
	RunID   string // distinguishes a restarted key from its superseded run
	Process Process
	State   model.State
	Command string
	Args    []string
	Started time.Time
}

func (r Record) PID() int {
	if r.Process == nil {
		return 0
	}
	return r.Process.PID()
}

// Registry is safe for concurrent use. Mutations are expected to come from
// a single owner, reads from anywhere.
type Registry struct {
	mx      sync.RWMutex
	records map[model.JobKey]Record
}

func New() *Registry {
	return &Registry{
		records: make(map[model.JobKey]Record),
	}
}

// Put stores rec and returns the record it replaced, if any.
func (r *Registry) Put(rec Record) (Record, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	prev, ok := r.records[rec.Key]
	r.records[rec.Key] = rec
	return prev, ok
}

func (r *Registry) Get(key model.JobKey) (Record, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	rec, ok := r.records[key]
	return rec, ok
}

func (r *Registry) Remove(key model.JobKey) (Record, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	rec, ok := r.records[key]
	if ok {
		delete(r.records, key)
	}
	return rec, ok
}

// RemoveRun removes the record only if it still belongs to runID.
func (r *Registry) RemoveRun(key model.JobKey, runID string) (Record, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.RunID != runID {
		return Record{}, false
	}
	delete(r.records, key)
	return rec, true
}

// SetState changes the state of an existing record.
func (r *Registry) SetState(key model.JobKey, state model.State) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return false
	}
	rec.State = state
	r.records[key] = rec
	return true
}

func (r *Registry) IsActive(key model.JobKey) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	_, ok := r.records[key]
	return ok
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.records)
}

// Keys returns active keys ordered by their string form.
func (r *Registry) Keys() []model.JobKey {
	r.mx.RLock()
	keys := make([]model.JobKey, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	r.mx.RUnlock()
	slices.SortFunc(keys, compareKeys)
	return keys
}

// All returns a copy of every record ordered by key.
func (r *Registry) All() []Record {
	r.mx.RLock()
	recs := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mx.RUnlock()
	slices.SortFunc(recs, func(a, b Record) int {
		return compareKeys(a.Key, b.Key)
	})
	return recs
}

func compareKeys(a, b model.JobKey) int {
	return strings.Compare(a.String(), b.String())
}
