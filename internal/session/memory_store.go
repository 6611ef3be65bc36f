package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/szaher/chatrelay/internal/llm"
)

// EvictReason tells an EvictHook why a session was dropped.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictIdle     EvictReason = "idle"
)

// EvictHook is called after a session leaves the store.
type EvictHook func(id string, reason EvictReason)

type entry struct {
	session Session
	// gate holds one token while an exchange is in flight.
	gate chan struct{}
}

func (e *entry) busy() bool {
	return len(e.gate) > 0
}

// MemoryStore is an in-process session store. Sessions live until the process
// exits unless a capacity or idle TTL is configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	// recent bounds the store when a capacity is set; it replaces sessions.
	recent   *lru.Cache[string, *entry]
	evicted  []string
	idleTTL  time.Duration
	onEvict  EvictHook
	now      func() time.Time
	capacity int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity bounds the number of sessions. When full, the least recently
// used session is dropped. n <= 0 means unbounded.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) { s.capacity = n }
}

// WithIdleTTL expires sessions with no activity for d. Zero disables expiry.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.idleTTL = d }
}

// WithEvictHook registers a callback for dropped sessions.
func WithEvictHook(fn EvictHook) MemoryOption {
	return func(s *MemoryStore) { s.onEvict = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.capacity > 0 {
		cache, err := lru.NewWithEvict[string, *entry](s.capacity, func(id string, _ *entry) {
			s.evicted = append(s.evicted, id)
		})
		if err != nil {
			// lru only rejects non-positive sizes, guarded above.
			panic(fmt.Sprintf("session lru: %v", err))
		}
		s.recent = cache
	} else {
		s.sessions = make(map[string]*entry)
	}
	return s
}

// Create issues a fresh session.
func (s *MemoryStore) Create(_ context.Context) (*Session, error) {
	now := s.now()
	e := &entry{
		session: Session{ID: NewID(), CreatedAt: now, LastActive: now, Turns: []llm.Message{}},
		gate:    make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.put(e)
	evicted := s.takeEvicted()
	s.mu.Unlock()

	s.notify(evicted, EvictCapacity)
	out := e.session
	out.Turns = []llm.Message{}
	return &out, nil
}

// Append adds turns to the end of a session's history.
func (s *MemoryStore) Append(_ context.Context, id string, turns ...llm.Message) error {
	s.mu.Lock()
	e, expired := s.lookup(id)
	if e != nil {
		e.session.Turns = append(e.session.Turns, turns...)
		e.session.LastActive = s.now()
	}
	s.mu.Unlock()

	return s.result(id, e, expired)
}

// Get returns a copy of the session's history.
func (s *MemoryStore) Get(_ context.Context, id string) ([]llm.Message, error) {
	s.mu.Lock()
	e, expired := s.lookup(id)
	var out []llm.Message
	if e != nil {
		out = make([]llm.Message, len(e.session.Turns))
		copy(out, e.session.Turns)
		e.session.LastActive = s.now()
	}
	s.mu.Unlock()

	if err := s.result(id, e, expired); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot returns a copy of the whole session.
func (s *MemoryStore) Snapshot(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	e, expired := s.lookup(id)
	var out Session
	if e != nil {
		out = e.session
		out.Turns = append([]llm.Message{}, e.session.Turns...)
	}
	s.mu.Unlock()

	if err := s.result(id, e, expired); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clear empties a session's history in place.
func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	e, expired := s.lookup(id)
	if e != nil {
		e.session.Turns = []llm.Message{}
		e.session.LastActive = s.now()
	}
	s.mu.Unlock()

	return s.result(id, e, expired)
}

// Lock waits for the session's exchange gate. It fails with ErrNotFound for
// unknown ids and with ctx.Err() if ctx ends first.
func (s *MemoryStore) Lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	e, expired := s.lookup(id)
	if e != nil {
		e.session.LastActive = s.now()
	}
	s.mu.Unlock()

	if err := s.result(id, e, expired); err != nil {
		return nil, err
	}

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-e.gate })
	}, nil
}

// Len returns the number of live sessions, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recent != nil {
		return s.recent.Len()
	}
	return len(s.sessions)
}

// Sweep drops every idle session. Sessions with an exchange in flight are kept.
func (s *MemoryStore) Sweep(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}

	s.mu.Lock()
	var expired []string
	for id, e := range s.all() {
		if s.idle(e, now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.remove(id)
	}
	s.mu.Unlock()

	s.notify(expired, EvictIdle)
	return len(expired)
}

func (s *MemoryStore) put(e *entry) {
	if s.recent != nil {
		s.recent.Add(e.session.ID, e)
		return
	}
	s.sessions[e.session.ID] = e
}

// lookup must be called with s.mu held. An idle entry is removed and reported
// as expired.
func (s *MemoryStore) lookup(id string) (*entry, bool) {
	var (
		e  *entry
		ok bool
	)
	if s.recent != nil {
		e, ok = s.recent.Get(id)
	} else {
		e, ok = s.sessions[id]
	}
	if !ok {
		return nil, false
	}
	if s.idle(e, s.now()) {
		s.remove(id)
		return nil, true
	}
	return e, false
}

func (s *MemoryStore) remove(id string) {
	if s.recent != nil {
		s.recent.Remove(id)
		// Remove fires the eviction callback; explicit removals are not capacity
		// evictions.
		s.evicted = s.evicted[:0]
		return
	}
	delete(s.sessions, id)
}

func (s *MemoryStore) all() map[string]*entry {
	if s.recent == nil {
		return s.sessions
	}
	out := make(map[string]*entry, s.recent.Len())
	for _, id := range s.recent.Keys() {
		if e, ok := s.recent.Peek(id); ok {
			out[id] = e
		}
	}
	return out
}

func (s *MemoryStore) idle(e *entry, now time.Time) bool {
	return s.idleTTL > 0 && !e.busy() && now.Sub(e.session.LastActive) > s.idleTTL
}

func (s *MemoryStore) takeEvicted() []string {
	if len(s.evicted) == 0 {
		return nil
	}
	out := append([]string(nil), s.evicted...)
	s.evicted = s.evicted[:0]
	return out
}

func (s *MemoryStore) result(id string, e *entry, expired bool) error {
	if e != nil {
		return nil
	}
	if expired {
		s.notify([]string{id}, EvictIdle)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *MemoryStore) notify(ids []string, reason EvictReason) {
	if s.onEvict == nil {
		return
	}
	for _, id := range ids {
		s.onEvict(id, reason)
	}
}
