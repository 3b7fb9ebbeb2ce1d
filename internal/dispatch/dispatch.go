// Package dispatch runs commands against one page target. It owns the
// target's arena and pending table, applies timeouts and guarantees one
// result per command.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/executor"
	"github.com/manaflow-ai/tabrelay/internal/format"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

const (
	DefaultCommandTimeout    = 30 * time.Second
	DefaultNavigationTimeout = 30 * time.Second
)

// Options configure a Dispatcher.
type Options struct {
	CommandTimeout    time.Duration
	NavigationTimeout time.Duration
	Capture           executor.CaptureControl
	Logger            *slog.Logger
}

// Dispatcher executes commands for a single target.
type Dispatcher struct {
	registry *executor.Registry
	page     executor.Page
	opts     Options
	log      *slog.Logger

	// base outlives every arena; Close cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	arena   *Arena
	nav     map[string]*pending
	waiters map[uint64]chan struct{}
	seq     uint64
}

// New returns a Dispatcher for page. It has no arena until Rotate is called.
func New(registry *executor.Registry, page executor.Page, opts Options) *Dispatcher {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: registry,
		page:     page,
		opts:     opts,
		log:      opts.Logger.With("component", "dispatch"),
		base:     base,
		cancel:   cancel,
		nav:      make(map[string]*pending),
		waiters:  make(map[uint64]chan struct{}),
	}
}

// Rotate makes id the current arena. If id differs from the current arena
// the old one is disposed. It reports whether a new arena was created.
func (d *Dispatcher) Rotate(id string) bool {
	if id == "" {
		id = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.arena != nil && d.arena.ID == id {
		return false
	}
	d.disposeLocked()
	d.arena = newArena(d.base, id)
	d.log.Debug("arena created", "arena", id)
	return true
}

// Dispose drops the current arena and every command pending in it.
func (d *Dispatcher) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposeLocked()
}

func (d *Dispatcher) disposeLocked() {
	if d.arena == nil {
		return
	}
	if n := len(d.arena.pending); n > 0 {
		d.log.Info("arena disposed with pending commands", "arena", d.arena.ID, "pending", n)
	}
	d.arena.dispose()
	d.arena = nil
}

// ArenaID returns the current arena id, or "" if there is none.
func (d *Dispatcher) ArenaID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.arena == nil {
		return ""
	}
	return d.arena.ID
}

// NotifyLoad wakes every navigation waiting for the next load.
func (d *Dispatcher) NotifyLoad() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, ch := range d.waiters {
		close(ch)
		delete(d.waiters, key)
	}
}

// Close disposes the arena and fails anything still waiting.
func (d *Dispatcher) Close() {
	d.Dispose()
	d.cancel()
}

// Pending lists commands in flight, oldest first.
func (d *Dispatcher) Pending() []PendingInfo {
	d.mu.Lock()
	var out []PendingInfo
	for _, p := range d.nav {
		out = append(out, PendingInfo{ID: p.id, Name: p.cmd.Name, StartedAt: p.startedAt})
	}
	if d.arena != nil {
		for _, p := range d.arena.pending {
			out = append(out, PendingInfo{ID: p.id, Name: p.cmd.Name, Arena: d.arena.ID, StartedAt: p.startedAt})
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Dispatch executes cmd and returns exactly one result.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) command.Result {
	start := time.Now()
	res := d.dispatch(ctx, cmd)
	res.Duration = time.Since(start)
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd command.Command) command.Result {
	entry, err := d.registry.Resolve(cmd.Name)
	if err != nil {
		return command.Failure(cmd, err)
	}
	cmd.Name = entry.Name
	if cmd.ID == "" {
		cmd = cmd.WithID(uuid.NewString())
	}

	p := &pending{id: cmd.ID, cmd: cmd, startedAt: time.Now()}
	arena, err := d.insert(p, entry.Navigation)
	if err != nil {
		return command.Failure(cmd, err)
	}
	req := &executor.Request{Command: cmd, Page: d.page, Capture: d.opts.Capture, Registry: d.registry}

	if entry.Navigation {
		defer d.remove(nil, p.id)
		return d.navigate(ctx, entry, req, p)
	}
	defer d.remove(arena, p.id)
	return d.execute(ctx, entry, req, p, arena)
}

func (d *Dispatcher) insert(p *pending, navigation bool) (*Arena, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.nav[p.id]; dup {
		return nil, relayerr.New(relayerr.InvalidParams, "correlation id %q is already in flight", p.id)
	}
	if d.arena != nil {
		if _, dup := d.arena.pending[p.id]; dup {
			return nil, relayerr.New(relayerr.InvalidParams, "correlation id %q is already in flight", p.id)
		}
	}
	if navigation {
		d.nav[p.id] = p
		return nil, nil
	}
	if d.arena == nil {
		return nil, relayerr.New(relayerr.ContextDestroyed, "no live execution context")
	}
	d.arena.pending[p.id] = p
	return d.arena, nil
}

// remove deletes a settled entry. A nil arena means the navigation table.
// Entries of an already disposed arena are gone with it.
func (d *Dispatcher) remove(a *Arena, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a == nil {
		delete(d.nav, id)
		return
	}
	delete(a.pending, id)
}

type outcome struct {
	value any
	err   error
}

// execute races the handler against the command timeout and arena
// disposal. The handler is not preempted; a late outcome is dropped.
func (d *Dispatcher) execute(ctx context.Context, entry *executor.Entry, req *executor.Request, p *pending, arena *Arena) command.Result {
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("command panicked", "command", entry.Name, "command_id", p.id, "panic", r, "stack", string(debug.Stack()))
					o = outcome{err: relayerr.New(relayerr.ExecutionFailed, "%s panicked: %v", entry.Name, r)}
				}
			}()
			v, err := d.registry.Run(arena.ctx, entry, req)
			if err == nil {
				v = format.Format(arena.ctx, v)
			}
			o = outcome{value: v, err: err}
		}()
		if !p.claim() {
			d.log.Warn("late result discarded", "command", entry.Name, "command_id", p.id, "elapsed", time.Since(p.startedAt))
			return
		}
		done <- o
	}()

	timer := time.NewTimer(d.opts.CommandTimeout)
	defer timer.Stop()

	var failure error
	select {
	case o := <-done:
		return d.settle(req.Command, o)
	case <-timer.C:
		failure = relayerr.New(relayerr.CommandTimeout, "%s did not complete within %s", entry.Name, d.opts.CommandTimeout)
	case <-arena.Done():
		failure = context.Cause(arena.ctx)
	case <-ctx.Done():
		failure = relayerr.Wrap(relayerr.CodeOf(ctx.Err()), ctx.Err(), "%s abandoned", entry.Name)
	}
	if !p.claim() {
		// The handler settled at the same moment and owns the result.
		return d.settle(req.Command, <-done)
	}
	d.log.Warn("command abandoned", "command", entry.Name, "command_id", p.id, "code", relayerr.CodeOf(failure))
	return command.Failure(req.Command, failure)
}

func (d *Dispatcher) settle(cmd command.Command, o outcome) command.Result {
	if o.err != nil {
		return command.Failure(cmd, o.err)
	}
	return command.Success(cmd, o.value)
}

// navigate handles the navigation family. The load waiter is registered
// before the handler runs so a fast load cannot be missed, and it is always
// removed on the way out.
func (d *Dispatcher) navigate(ctx context.Context, entry *executor.Entry, req *executor.Request, p *pending) command.Result {
	key, loaded := d.waitForLoad()

	hctx, cancel := context.WithTimeout(ctx, d.opts.NavigationTimeout)
	v, err := d.runNavigation(hctx, entry, req)
	cancel()
	if err != nil {
		d.dropWaiter(key)
		return command.Failure(req.Command, err)
	}

	if entry.AckFirst {
		go func() {
			defer d.dropWaiter(key)
			if err := d.awaitLoad(d.base, loaded); err != nil {
				d.log.Warn("navigation did not finish loading", "command", entry.Name, "command_id", p.id, "error", err)
				return
			}
			d.log.Debug("navigation loaded", "command", entry.Name, "command_id", p.id, "elapsed", time.Since(p.startedAt))
		}()
		return command.Success(req.Command, format.Format(ctx, v))
	}

	defer d.dropWaiter(key)
	if started, ok := v.(bool); ok && !started {
		// Nothing to navigate to (e.g. back at the first history entry).
		return command.Success(req.Command, false)
	}
	if err := d.awaitLoad(ctx, loaded); err != nil {
		return command.Failure(req.Command, err)
	}
	return command.Success(req.Command, true)
}

func (d *Dispatcher) runNavigation(ctx context.Context, entry *executor.Entry, req *executor.Request) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = relayerr.New(relayerr.ExecutionFailed, "%s panicked: %v", entry.Name, r)
		}
	}()
	return d.registry.Run(ctx, entry, req)
}

func (d *Dispatcher) awaitLoad(ctx context.Context, loaded <-chan struct{}) error {
	timer := time.NewTimer(d.opts.NavigationTimeout)
	defer timer.Stop()
	select {
	case <-loaded:
		return nil
	case <-timer.C:
		return relayerr.New(relayerr.NavigationTimeout, "page did not load within %s", d.opts.NavigationTimeout)
	case <-ctx.Done():
		return fmt.Errorf("waiting for load: %w", ctx.Err())
	}
}

func (d *Dispatcher) waitForLoad() (uint64, <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	ch := make(chan struct{})
	d.waiters[d.seq] = ch
	return d.seq, ch
}

func (d *Dispatcher) dropWaiter(key uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, key)
}

// Waiters reports how many load waiters are registered.
func (d *Dispatcher) Waiters() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}
