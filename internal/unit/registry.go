package unit

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrExists reports an Add with an id already registered.
var ErrExists = errors.New("unit already registered")

// Update is one change notification: the unit's id plus its new content.
// Content is nil while the unit has produced no output yet.
type Update struct {
	ID      string
	Content *string
}

// Registry maps unit ids to live units and fans out content updates.
//
// Delivery mirrors the event bus: non-blocking sends on buffered channels,
// slow subscribers drop.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Unit
	subs  map[uint64]chan Update
	seq   atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{
		units: map[string]*Unit{},
		subs:  map[uint64]chan Update{},
	}
}

func (r *Registry) Add(u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[u.ID()]; ok {
		return ErrExists
	}
	r.units[u.ID()] = u
	return nil
}

// Remove unregisters and returns the unit, nil when absent.
func (r *Registry) Remove(id string) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.units[id]
	delete(r.units, id)
	return u
}

func (r *Registry) Get(id string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	return u, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns every unit's snapshot, sorted by id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	units := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(units))
	for _, u := range units {
		out = append(out, u.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers a content-update listener.
func (r *Registry) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	id := r.seq.Add(1)

	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Notify fans a content update out to subscribers. Callers invoke it only
// when the content actually changed; identical outputs stay silent.
func (r *Registry) Notify(id string, content *string) {
	r.mu.RLock()
	chs := make([]chan Update, 0, len(r.subs))
	for _, ch := range r.subs {
		chs = append(chs, ch)
	}
	r.mu.RUnlock()

	u := Update{ID: id, Content: content}
	for _, ch := range chs {
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- u:
			default:
			}
		}()
	}
}
