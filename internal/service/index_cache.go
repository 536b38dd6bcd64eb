package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/mediamatch/internal/index"
	"github.com/timmy/mediamatch/internal/signal"
)

// SlotState is the lifecycle state of one signal type's index slot.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotBuilding
	SlotReady
	SlotRebuilding
	SlotFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "Empty"
	case SlotBuilding:
		return "Building"
	case SlotReady:
		return "Ready"
	case SlotRebuilding:
		return "Rebuilding"
	case SlotFailed:
		return "Failed"
	}
	return "Unknown"
}

// MarshalText renders the state name in JSON responses.
func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type slot struct {
	current atomic.Pointer[index.Index]

	mu        sync.Mutex
	state     SlotState
	lastError string
}

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	State      SlotState `json:"state"`
	Generation uint64    `json:"generation"`
	BuiltAt    time.Time `json:"built_at"`
	Size       int       `json:"size"`
	LastError  string    `json:"last_error,omitempty"`
}

// IndexCache holds the live index of every signal type. Readers load the
// pointer once per query and keep using that index for the whole query.
type IndexCache struct {
	mu    sync.RWMutex
	slots map[signal.Name]*slot
}

// NewIndexCache creates an empty cache.
func NewIndexCache() *IndexCache {
	return &IndexCache{slots: make(map[signal.Name]*slot)}
}

func (c *IndexCache) slot(name signal.Name) *slot {
	c.mu.RLock()
	s, ok := c.slots[name]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[name]; !ok {
		s = &slot{}
		c.slots[name] = s
	}
	return s
}

// Get returns the live index of a signal type, or nil when none is loaded.
func (c *IndexCache) Get(name signal.Name) *index.Index {
	c.mu.RLock()
	s, ok := c.slots[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.current.Load()
}

// Swap installs ix unless the slot already holds an index of a newer
// generation. It reports whether ix was installed.
func (c *IndexCache) Swap(name signal.Name, ix *index.Index) bool {
	s := c.slot(name)
	for {
		old := s.current.Load()
		if old != nil && old.Generation() > ix.Generation() {
			return false
		}
		if s.current.CompareAndSwap(old, ix) {
			break
		}
	}
	s.mu.Lock()
	s.state = SlotReady
	s.lastError = ""
	s.mu.Unlock()
	return true
}

// BeginBuild moves the slot to Building, or Rebuilding when an index is live.
func (c *IndexCache) BeginBuild(name signal.Name) {
	s := c.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Load() == nil {
		s.state = SlotBuilding
	} else {
		s.state = SlotRebuilding
	}
}

// EndBuild records the outcome of a build that did not swap a new index in.
// A failure marks the slot Failed; the previous index stays live.
func (c *IndexCache) EndBuild(name signal.Name, err error) {
	s := c.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = SlotFailed
		s.lastError = err.Error()
		return
	}
	if s.current.Load() == nil {
		s.state = SlotEmpty
	} else {
		s.state = SlotReady
	}
}

// State returns the slot state of a signal type.
func (c *IndexCache) State(name signal.Name) SlotState {
	s := c.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports every known slot.
func (c *IndexCache) Status() map[signal.Name]SlotStatus {
	c.mu.RLock()
	names := make([]signal.Name, 0, len(c.slots))
	for name := range c.slots {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make(map[signal.Name]SlotStatus, len(names))
	for _, name := range names {
		s := c.slot(name)
		s.mu.Lock()
		st := SlotStatus{State: s.state, LastError: s.lastError}
		s.mu.Unlock()
		if ix := s.current.Load(); ix != nil {
			st.Generation = ix.Generation()
			st.BuiltAt = ix.BuiltAt()
			st.Size = ix.Len()
		}
		out[name] = st
	}
	return out
}

// Register creates an Empty slot so status reports types that have no index yet.
func (c *IndexCache) Register(name signal.Name) {
	c.slot(name)
}
