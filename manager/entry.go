package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
)

// State of one script identity.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateCompiling State = "compiling"
	StateLoaded    State = "loaded"
	StateFailed    State = "failed"
)

// entry is the registry record of one identity. current is read lock-free
// by invokers; every other field is guarded by mu.
type entry struct {
	identity string
	seq      uint64
	current  atomic.Pointer[unit.Unit]

	mu       sync.Mutex
	state    State
	language string
	diags    compiler.Diagnostics
	lastErr  error
	loadedAt time.Time
	storage  *hostfunc.Storage
	removed  bool

	// tail is closed when the most recent ticket holder finishes.
	tail chan struct{}
}

func newEntry(identity string, seq uint64) *entry {
	tail := make(chan struct{})
	close(tail)
	return &entry{identity: identity, seq: seq, state: StateUnloaded, tail: tail}
}

// acquire waits for every earlier load or unload of this identity to
// finish. Tickets are served strictly in the order acquire was called; a
// caller that gives up still passes its turn on once its predecessor is
// done.
func (e *entry) acquire(ctx context.Context) (func(), error) {
	mine := make(chan struct{})
	e.mu.Lock()
	prev := e.tail
	e.tail = mine
	e.mu.Unlock()

	select {
	case <-prev:
		var once sync.Once
		return func() { once.Do(func() { close(mine) }) }, nil
	case <-ctx.Done():
		go func() {
			<-prev
			close(mine)
		}()
		return nil, ctx.Err()
	}
}

func (e *entry) snapshot() Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := Info{
		Identity:    e.identity,
		State:       e.state,
		Language:    e.language,
		Diagnostics: e.diags,
		LoadedAt:    e.loadedAt,
	}
	if e.lastErr != nil {
		info.Error = e.lastErr.Error()
	}
	if u := e.current.Load(); u != nil {
		info.Version = u.Version()
		info.Capabilities = u.Capabilities()
		info.InFlight = u.Refs()
		info.Timeouts = u.Timeouts()
	}
	return info
}
