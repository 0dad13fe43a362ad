package relay

import (
	"sync"

	"github.com/haivivi/pushtalk/pkg/envelope"
)

// Listener receives every decoded inbound message, in arrival order.
type Listener func(*envelope.Message)

// ListenerID identifies a registered listener.
type ListenerID uint64

type listenerEntry struct {
	id      ListenerID
	fn      Listener
	removed bool
}

// listenerSet is an append-only arena. Removal marks an entry; the arena is
// compacted once no dispatch is running, so indices stay stable while
// listeners add or remove themselves mid-dispatch.
type listenerSet struct {
	mu          sync.Mutex
	entries     []listenerEntry
	nextID      ListenerID
	dispatching int
	dirty       bool
}

func (ls *listenerSet) add(fn Listener) ListenerID {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.nextID++
	ls.entries = append(ls.entries, listenerEntry{id: ls.nextID, fn: fn})
	return ls.nextID
}

func (ls *listenerSet) remove(id ListenerID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i := range ls.entries {
		e := &ls.entries[i]
		if e.id != id || e.removed {
			continue
		}
		e.removed = true
		e.fn = nil
		ls.dirty = true
		if ls.dispatching == 0 {
			ls.compactLocked()
		}
		return true
	}
	return false
}

func (ls *listenerSet) len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	n := 0
	for _, e := range ls.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

// dispatch calls every listener registered before the call started.
func (ls *listenerSet) dispatch(msg *envelope.Message) {
	ls.mu.Lock()
	n := len(ls.entries)
	ls.dispatching++
	ls.mu.Unlock()

	defer func() {
		ls.mu.Lock()
		ls.dispatching--
		if ls.dispatching == 0 && ls.dirty {
			ls.compactLocked()
		}
		ls.mu.Unlock()
	}()

	for i := 0; i < n; i++ {
		ls.mu.Lock()
		e := ls.entries[i]
		ls.mu.Unlock()
		if e.removed {
			continue
		}
		e.fn(msg)
	}
}

func (ls *listenerSet) compactLocked() {
	kept := ls.entries[:0]
	for _, e := range ls.entries {
		if !e.removed {
			kept = append(kept, e)
		}
	}
	clear(ls.entries[len(kept):])
	ls.entries = kept
	ls.dirty = false
}
