// Package sessions keeps the process-wide registry of live intake sessions.
// Each entry is written only by the session that created it; other readers
// get copies.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

var ErrSessionExists = errors.New("session id already active")

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

type Handle struct {
	Cancel func()
}

// Snapshot is a point-in-time copy of one registry entry.
type Snapshot struct {
	SessionID  string                `json:"session_id"`
	Status     Status                `json:"status"`
	Extraction extraction.Extraction `json:"extraction"`
	StartedAt  time.Time             `json:"started_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
	now     func() time.Time
}

type entry struct {
	handle Handle
	snap   Snapshot
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Create stores the bootstrap snapshot under id. An id already held by a
// running session is rejected with ErrSessionExists.
func (r *Registry) Create(id string, status Status, ext extraction.Extraction, h Handle) error {
	if r == nil {
		return errors.New("nil registry")
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	if _, ok := r.entries[id]; ok {
		return ErrSessionExists
	}
	r.entries[id] = &entry{
		handle: h,
		snap: Snapshot{
			SessionID:  id,
			Status:     status,
			Extraction: ext.Clone(),
			StartedAt:  now,
			UpdatedAt:  now,
		},
	}
	r.wg.Add(1)
	return nil
}

// Update replaces the stored extraction. It reports false for unknown ids.
func (r *Registry) Update(id string, ext extraction.Extraction) bool {
	if r == nil {
		return false
	}
	ext = ext.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.snap.Extraction = ext
	e.snap.UpdatedAt = r.now()
	return true
}

func (r *Registry) SetStatus(id string, status Status) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.snap.Status = status
	e.snap.UpdatedAt = r.now()
	return true
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	if r == nil {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Remove deletes the entry and returns its final state.
func (r *Registry) Remove(id string) (Snapshot, bool) {
	if r == nil {
		return Snapshot{}, false
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	r.wg.Done()
	return e.snapshot(), true
}

func (e *entry) snapshot() Snapshot {
	s := e.snap
	s.Extraction = e.snap.Extraction.Clone()
	return s
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs lists registered session ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var cancels []func()
	r.mu.Lock()
	for _, e := range r.entries {
		if e == nil || e.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, e.handle.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has been removed or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
