package worker

import (
	"sync"

	"github.com/rs/zerolog/log"
	"scriptrunner/internal/process"
)

// Terminator stops a process tree
type Terminator interface {
	Terminate(h *process.Handle) error
}

// Arena holds the live process handles of one worker process, keyed by execution id. Supervisors
// insert a handle when its child is launched and remove it on every exit path.
type Arena struct {
	mu      sync.Mutex
	handles map[int64]*process.Handle
}

func NewArena() *Arena {
	return &Arena{handles: make(map[int64]*process.Handle)}
}

func (a *Arena) Track(id int64, h *process.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handles[id] = h
}

func (a *Arena) Forget(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handles, id)
}

func (a *Arena) Get(id int64) (*process.Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[id]
	return h, ok
}

func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

// TerminateAll stops every tracked process tree and empties the arena. It returns how many
// handles were terminated.
func (a *Arena) TerminateAll(t Terminator) int {
	a.mu.Lock()
	handles := a.handles
	a.handles = make(map[int64]*process.Handle)
	a.mu.Unlock()

	for id, h := range handles {
		if err := t.Terminate(h); err != nil {
			log.Error().
				Err(err).
				Int64("execution_id", id).
				Int("pid", h.PID()).
				Msg("Could not terminate leftover process")
		}
	}
	return len(handles)
}
