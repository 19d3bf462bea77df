package device

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/virelyx258/rstatus-server/internal/protocol"
)

// Registry is the presence table.
//
// It keeps two indices under one mutex: display name -> status record, and
// display name -> live connection handle. Every handle key is also a record
// key; HTTP-reported devices have a record and no handle. Critical sections
// only touch the maps, never the network.
type Registry struct {
	mu      sync.Mutex
	records map[string]*StatusRecord
	handles map[string]Handle

	obsMu     sync.RWMutex
	observers []Observer

	// notifyMu is taken before mu is released so observers see changes in
	// the order they were applied
	notifyMu sync.Mutex

	now func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*StatusRecord),
		handles: make(map[string]Handle),
		now:     time.Now,
	}
}

// Observe adds an observer for registry changes
func (r *Registry) Observe(fn Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Upsert stores an update, migrating an entry reported under another device
// type first. A non-nil handle is bound to the resulting display name; a nil
// handle leaves any existing binding alone.
func (r *Registry) Upsert(u protocol.Update, source Address, h Handle) Resolution {
	r.mu.Lock()

	res := Resolve(r.keysLocked(), u.BaseName, u.Type)
	var changes []Change

	if res.MigratedFrom != "" {
		old := r.records[res.MigratedFrom]
		delete(r.records, res.MigratedFrom)
		if bound, ok := r.handles[res.MigratedFrom]; ok {
			delete(r.handles, res.MigratedFrom)
			r.handles[res.DisplayName] = bound
		}
		changes = append(changes, Change{Kind: ChangeRemoved, Record: *old})
	}

	rec := &StatusRecord{
		DisplayName: res.DisplayName,
		StatusText:  u.Status,
		Source:      source,
		UpdatedAt:   r.now(),
	}
	r.records[res.DisplayName] = rec
	if h != nil {
		r.handles[res.DisplayName] = h
	}

	remaining := len(r.records)
	changes = append(changes, Change{Kind: ChangeUpserted, Record: *rec, MigratedFrom: res.MigratedFrom})
	for i := range changes {
		changes[i].Remaining = remaining
	}
	r.notifyMu.Lock()
	r.mu.Unlock()

	r.notify(changes)
	return res
}

// Remove deletes every entry belonging to baseName, with its handle binding.
// More than one entry can match; see Resolve.
func (r *Registry) Remove(baseName string) []StatusRecord {
	r.mu.Lock()
	var removed []StatusRecord
	for key, rec := range r.records {
		if !matchesBaseName(key, baseName) {
			continue
		}
		removed = append(removed, *rec)
		delete(r.records, key)
		delete(r.handles, key)
	}
	remaining := len(r.records)
	r.notifyMu.Lock()
	r.mu.Unlock()

	return r.finishRemoval(removed, remaining)
}

// RemoveHandle deletes every entry bound to h. Lookup is by handle identity
// because the display name may have changed during the connection.
func (r *Registry) RemoveHandle(h Handle) []StatusRecord {
	if h == nil {
		return nil
	}

	r.mu.Lock()
	var removed []StatusRecord
	for key, bound := range r.handles {
		if bound != h {
			continue
		}
		delete(r.handles, key)
		if rec, ok := r.records[key]; ok {
			removed = append(removed, *rec)
			delete(r.records, key)
		}
	}
	remaining := len(r.records)
	r.notifyMu.Lock()
	r.mu.Unlock()

	return r.finishRemoval(removed, remaining)
}

// Purge deletes displayName only while it is still bound to h, so a device
// that already reconnected on a new socket is left alone.
func (r *Registry) Purge(displayName string, h Handle) (StatusRecord, bool) {
	r.mu.Lock()
	bound, ok := r.handles[displayName]
	if !ok || bound != h {
		r.mu.Unlock()
		return StatusRecord{}, false
	}
	delete(r.handles, displayName)
	rec, ok := r.records[displayName]
	if !ok {
		r.mu.Unlock()
		return StatusRecord{}, false
	}
	delete(r.records, displayName)
	removed := *rec
	remaining := len(r.records)
	r.notifyMu.Lock()
	r.mu.Unlock()

	r.finishRemoval([]StatusRecord{removed}, remaining)
	return removed, true
}

// Handle returns the live connection bound to displayName
func (r *Registry) Handle(displayName string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[displayName]
	return h, ok
}

// Snapshot returns a copy of display name -> status text
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.records))
	for key, rec := range r.records {
		out[key] = rec.StatusText
	}
	return out
}

// Records returns copies of all records sorted by display name
func (r *Registry) Records() []StatusRecord {
	r.mu.Lock()
	out := make([]StatusRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sortRecords(out)
	return out
}

// Count returns number of present devices
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ConnectionCount returns number of display names bound to a live connection
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) keysLocked() []string {
	keys := make([]string, 0, len(r.records))
	for key := range r.records {
		keys = append(keys, key)
	}
	return keys
}

// finishRemoval and notify expect notifyMu held and release it
func (r *Registry) finishRemoval(removed []StatusRecord, remaining int) []StatusRecord {
	if len(removed) == 0 {
		r.notifyMu.Unlock()
		return nil
	}
	sortRecords(removed)
	changes := make([]Change, len(removed))
	for i, rec := range removed {
		changes[i] = Change{Kind: ChangeRemoved, Record: rec, Remaining: remaining}
	}
	r.notify(changes)
	return removed
}

func (r *Registry) notify(changes []Change) {
	defer r.notifyMu.Unlock()

	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	for _, c := range changes {
		for _, fn := range observers {
			fn(c)
		}
	}
}

func sortRecords(records []StatusRecord) {
	slices.SortFunc(records, func(a, b StatusRecord) int {
		return strings.Compare(a.DisplayName, b.DisplayName)
	})
}
