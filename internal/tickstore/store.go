// Package tickstore holds decoded ticks in bounded per-symbol buffers.
//
// The store is an explicit, constructor-injected state container: the
// transport's receive path appends, any number of chart elements read.
// Consumers that need push delivery register an observer for their
// symbol and are notified synchronously on every append — there is no
// implicit reactivity, a reconciler sees exactly the ticks appended
// after it registered.
package tickstore

import (
	"sync"

	"chartfeed/internal/model"
)

// DefaultCapacity is the per-symbol sliding-window bound applied when
// the store is constructed with a non-positive capacity.
const DefaultCapacity = 5000

// observer pairs a registration id with its callback so removal keeps
// the remaining observers in registration order.
type observer struct {
	id int64
	fn func(model.Tick)
}

// Store is an append-only, per-symbol bounded buffer of ticks.
//
// Appending beyond the capacity evicts from the front, oldest first: a
// sliding window, never an error. Ordering is only meaningful within
// one symbol's sequence; there is no cross-symbol guarantee.
type Store struct {
	mu        sync.RWMutex
	capacity  int
	ticks     map[string][]model.Tick
	observers map[string][]observer
	nextID    int64
}

// New returns an empty store retaining at most capacity ticks per
// symbol.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:  capacity,
		ticks:     make(map[string][]model.Tick),
		observers: make(map[string][]observer),
	}
}

// Append adds a tick to its symbol's buffer, evicting the oldest entry
// if the buffer is full, then notifies the symbol's observers in
// registration order. Observers run on the caller's goroutine, outside
// the store lock, so an observer may safely read the store.
func (s *Store) Append(symbol string, tick model.Tick) {
	s.mu.Lock()
	buf := s.ticks[symbol]
	if len(buf) >= s.capacity {
		// Shift in place rather than re-slicing so the backing array is
		// not retained past its window and does not grow unbounded.
		copy(buf, buf[1:])
		buf[len(buf)-1] = tick
	} else {
		buf = append(buf, tick)
	}
	s.ticks[symbol] = buf

	watchers := make([]observer, len(s.observers[symbol]))
	copy(watchers, s.observers[symbol])
	s.mu.Unlock()

	for _, o := range watchers {
		o.fn(tick)
	}
}

// Get returns a copy of the symbol's tick sequence, oldest first.
// Callers must treat the result as a snapshot and re-fetch rather than
// mutate.
func (s *Store) Get(symbol string) []model.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.ticks[symbol]
	if len(buf) == 0 {
		return nil
	}
	out := make([]model.Tick, len(buf))
	copy(out, buf)
	return out
}

// Len returns the number of retained ticks for a symbol.
func (s *Store) Len(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ticks[symbol])
}

// Clear drops all retained ticks for one symbol. Observer
// registrations survive.
func (s *Store) Clear(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ticks, symbol)
}

// ClearAll drops every symbol's retained ticks.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = make(map[string][]model.Tick)
}

// Subscribe registers fn to be called for every tick subsequently
// appended for symbol and returns a cancel function that removes the
// registration. Cancel is idempotent.
func (s *Store) Subscribe(symbol string, fn func(model.Tick)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers[symbol] = append(s.observers[symbol], observer{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.observers[symbol]
		for i, o := range watchers {
			if o.id == id {
				s.observers[symbol] = append(watchers[:i:i], watchers[i+1:]...)
				break
			}
		}
		if len(s.observers[symbol]) == 0 {
			delete(s.observers, symbol)
		}
	}
}
