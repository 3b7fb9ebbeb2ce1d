package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// errArenaDisposed is the cancel cause of a disposed arena.
var errArenaDisposed = relayerr.New(relayerr.ContextDestroyed, "execution context destroyed by navigation")

// Arena is the bookkeeping scope of one document. Everything pending in it
// is dropped together when the document goes away.
type Arena struct {
	ID        string
	CreatedAt time.Time

	ctx     context.Context
	cancel  context.CancelCauseFunc
	pending map[string]*pending
}

func newArena(parent context.Context, id string) *Arena {
	ctx, cancel := context.WithCancelCause(parent)
	return &Arena{
		ID:        id,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pending),
	}
}

// Done is closed once the arena is disposed.
func (a *Arena) Done() <-chan struct{} { return a.ctx.Done() }

func (a *Arena) dispose() {
	a.cancel(errArenaDisposed)
}

// pending is one in-flight command.
type pending struct {
	id        string
	cmd       command.Command
	startedAt time.Time
	settled   atomic.Bool
}

// claim marks p settled. Only the first caller wins; everyone else must
// drop their result.
func (p *pending) claim() bool {
	return p.settled.CompareAndSwap(false, true)
}

// PendingInfo is a read-only view of a pending command.
type PendingInfo struct {
	ID        string    `json:"command_id"`
	Name      string    `json:"name"`
	Arena     string    `json:"arena,omitempty"`
	StartedAt time.Time `json:"started_at"`
}
