package task

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskNotFound = errors.New("task not found")
)

// Registry is the process-wide map of task records. Every access holds a
// single mutex for a handful of field writes; callers never block on I/O
// while holding it.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

type RegistryOption func(*Registry)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock reading.
func (r *Registry) Now() time.Time {
	return r.now()
}

// Create inserts a new record, failing if the id is already present.
func (r *Registry) Create(rec *Record) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.id]; exists {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskExists, rec.id)
	}
	r.records[rec.id] = rec
	return rec.Snapshot(), nil
}

// Upsert inserts or replaces the record stored under rec's id.
func (r *Registry) Upsert(rec *Record) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.id] = rec
	return rec.Snapshot()
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.Snapshot(), true
}

func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}

// List returns all snapshots ordered by creation time, then id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Snapshot())
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Mutate applies fn to the record under the lock and returns the resulting
// snapshot. Errors from fn, including ErrUnchanged, are returned as-is and
// leave UpdatedAt alone.
func (r *Registry) Mutate(id string, fn func(rec *Record, now time.Time) error) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	now := r.now()
	if err := fn(rec, now); err != nil {
		return rec.Snapshot(), err
	}
	rec.touch(now)
	return rec.Snapshot(), nil
}

// SweepTerminal removes every record in a terminal state and returns the
// removed ids in sorted order. Live records are never evicted.
func (r *Registry) SweepTerminal() []string {
	r.mu.Lock()
	removed := make([]string, 0)
	for id, rec := range r.records {
		if rec.state.IsTerminal() {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()
	slices.Sort(removed)
	return removed
}
