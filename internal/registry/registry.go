// Package registry tracks in-flight activities (uploads, builds) per remote
// name. It replaces nothing durable: when an activity for a name begins, any
// previous activity for the same name is canceled, so at most one is current.
package registry

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	cancel context.CancelFunc
	gen    uint64
}

// Tracker is owned by the server process and passed to whichever services
// need supersede-previous semantics. Keyed by remote name.
type Tracker struct {
	mu      sync.Mutex
	nextGen uint64
	active  map[string]entry
}

func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]entry)}
}

// Begin cancels any in-flight activity for name and registers a new one. The
// returned context is canceled if a later Begin for the same name supersedes
// this activity; the returned func releases the registration and must be
// called when the activity finishes.
func (t *Tracker) Begin(parent context.Context, name string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	if prev, ok := t.active[name]; ok {
		prev.cancel()
	}
	t.nextGen++
	gen := t.nextGen
	t.active[name] = entry{cancel: cancel, gen: gen}
	t.mu.Unlock()

	done := func() {
		t.mu.Lock()
		if cur, ok := t.active[name]; ok && cur.gen == gen {
			delete(t.active, name)
		}
		t.mu.Unlock()
		cancel()
	}
	return ctx, done
}

// Cancel cancels the current activity for name, if any.
func (t *Tracker) Cancel(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.active[name]; ok {
		cur.cancel()
		delete(t.active, name)
		return true
	}
	return false
}

// Active returns the names with in-flight activities, sorted.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.active))
	for name := range t.active {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
