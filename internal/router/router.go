// Package router tracks which page target receives commands, makes sure the
// helper bundle is present there, and relays each command with its own
// timeout and correlation table.
package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/dispatch"
	"github.com/manaflow-ai/tabrelay/internal/executor"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// DefaultTimeout bounds a routed command. It sits above the dispatcher's own
// timeouts so dispatcher errors normally win.
const DefaultTimeout = 35 * time.Second

// Page is an attached target.
type Page interface {
	executor.Page
	// Inject makes sure the helper bundle is present in the current
	// document and returns its per-document instance id.
	Inject(ctx context.Context) (string, error)
}

// Host attaches to page targets.
type Host interface {
	Attach(ctx context.Context, targetID string) (Page, error)
}

// Options configure a Router.
type Options struct {
	Timeout  time.Duration
	Dispatch dispatch.Options
	Logger   *slog.Logger
}

// Router relays commands to the current target.
type Router struct {
	host     Host
	registry *executor.Registry
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	current string
	tabs    map[string]*tab
	pending map[string]*request
}

// request is one routed command awaiting its result.
type request struct {
	cmd       command.Command
	target    string
	startedAt time.Time
	settled   atomic.Bool
	done      chan command.Result
}

// New returns a Router.
func New(host Host, registry *executor.Registry, opts Options) *Router {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dispatch.Logger == nil {
		opts.Dispatch.Logger = opts.Logger
	}
	return &Router{
		host:     host,
		registry: registry,
		opts:     opts,
		log:      opts.Logger.With("component", "router"),
		tabs:     make(map[string]*tab),
		pending:  make(map[string]*request),
	}
}

// Route relays cmd to the current target and returns exactly one result.
func (r *Router) Route(ctx context.Context, cmd command.Command) command.Result {
	start := time.Now()
	res := r.route(ctx, cmd)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}

func (r *Router) route(ctx context.Context, cmd command.Command) command.Result {
	if cmd.ID == "" {
		cmd = cmd.WithID(uuid.NewString())
	}
	entry, err := r.registry.Resolve(cmd.Name)
	if err != nil {
		return command.Failure(cmd, err)
	}
	cmd.Name = entry.Name

	req, t, err := r.begin(cmd, entry)
	if err != nil {
		return command.Failure(cmd, err)
	}

	go r.relay(ctx, req, t, entry)

	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()
	timeout := timer.C
	done := ctx.Done()
	for {
		select {
		case res := <-req.done:
			return res
		case <-timeout:
			timeout = nil
			r.settle(req, command.Failure(cmd, relayerr.New(relayerr.CommandTimeout,
				"no result from target %s within %s", t.id, r.opts.Timeout)))
		case <-done:
			done = nil
			r.settle(req, command.Failure(cmd, relayerr.Wrap(relayerr.CodeOf(ctx.Err()), ctx.Err(), "routing abandoned")))
		}
	}
}

// begin checks the current target and inserts the pending entry.
func (r *Router) begin(cmd command.Command, entry *executor.Entry) (*request, *tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return nil, nil, relayerr.ErrNoActiveTarget
	}
	t := r.tabs[r.current]
	if t == nil {
		return nil, nil, relayerr.ErrNoActiveTarget
	}
	// Navigation runs through privileged browser APIs, so it is allowed to
	// leave a page that forbids injection.
	if !entry.Navigation && Forbidden(t.url) {
		return nil, nil, relayerr.New(relayerr.InjectionForbidden, "cannot inject into %s", t.url)
	}
	if _, dup := r.pending[cmd.ID]; dup {
		return nil, nil, relayerr.New(relayerr.InvalidParams, "correlation id %q is already in flight", cmd.ID)
	}
	req := &request{cmd: cmd, target: t.id, startedAt: time.Now(), done: make(chan command.Result, 1)}
	r.pending[cmd.ID] = req
	return req, t, nil
}

func (r *Router) relay(ctx context.Context, req *request, t *tab, entry *executor.Entry) {
	// Attach and inject hold the tab's lock, so they get the routing
	// deadline even when the caller's context has none.
	prepCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	disp, err := r.prepare(prepCtx, t, !entry.Navigation)
	cancel()
	if err != nil {
		r.settle(req, command.Failure(req.cmd, err))
		return
	}
	r.settle(req, disp.Dispatch(ctx, req.cmd))
}

// prepare attaches to t if needed and, when inject is set, makes sure the
// bundle is present, rotating the arena if the document changed.
func (r *Router) prepare(ctx context.Context, t *tab, inject bool) (*dispatch.Dispatcher, error) {
	t.attachMu.Lock()
	defer t.attachMu.Unlock()

	if t.page == nil {
		page, err := r.host.Attach(ctx, t.id)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.CodeOf(err), err, "attach to target %s", t.id)
		}
		t.page = page
		disp := dispatch.New(r.registry, page, r.opts.Dispatch)
		r.mu.Lock()
		t.disp = disp
		r.mu.Unlock()
		r.log.Info("attached to target", "target", t.id)
	}
	if !inject {
		return t.disp, nil
	}
	instance, err := t.page.Inject(ctx)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.CodeOf(err), err, "inject helper bundle")
	}
	if t.disp.Rotate(instance) {
		r.log.Debug("arena rotated", "target", t.id, "arena", instance)
	}
	return t.disp, nil
}

// settle delivers res for req once and removes the pending entry.
func (r *Router) settle(req *request, res command.Result) bool {
	if !req.settled.CompareAndSwap(false, true) {
		r.log.Debug("late result dropped", "command", req.cmd.Name, "command_id", req.cmd.ID, "status", res.Status)
		return false
	}
	r.mu.Lock()
	if cur, ok := r.pending[req.cmd.ID]; ok && cur == req {
		delete(r.pending, req.cmd.ID)
	}
	r.mu.Unlock()
	req.done <- res
	return true
}

// DropPending fails every routed command with err. The table is replaced
// wholesale.
func (r *Router) DropPending(err error) int {
	r.mu.Lock()
	dropped := r.pending
	r.pending = make(map[string]*request)
	r.mu.Unlock()
	for _, req := range dropped {
		r.settle(req, command.Failure(req.cmd, err))
	}
	if len(dropped) > 0 {
		r.log.Info("pending commands dropped", "count", len(dropped), "reason", err)
	}
	return len(dropped)
}

// Sweep fails every entry older than the router timeout. It backs up the
// per-command timers.
func (r *Router) Sweep(now time.Time) int {
	r.mu.Lock()
	var stale []*request
	for _, req := range r.pending {
		if now.Sub(req.startedAt) > r.opts.Timeout {
			stale = append(stale, req)
		}
	}
	r.mu.Unlock()
	n := 0
	for _, req := range stale {
		if r.settle(req, command.Failure(req.cmd, relayerr.New(relayerr.CommandTimeout, "swept after %s", now.Sub(req.startedAt).Round(time.Millisecond)))) {
			n++
		}
	}
	if n > 0 {
		r.log.Warn("swept stale commands", "count", n)
	}
	return n
}

// RunSweeper sweeps on every tick until ctx is done.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// PendingInfo describes a routed command in flight.
type PendingInfo struct {
	ID        string    `json:"command_id"`
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	StartedAt time.Time `json:"started_at"`
}

// Pending lists routed commands in flight, oldest first.
func (r *Router) Pending() []PendingInfo {
	r.mu.Lock()
	out := make([]PendingInfo, 0, len(r.pending))
	for _, req := range r.pending {
		out = append(out, PendingInfo{ID: req.cmd.ID, Name: req.cmd.Name, Target: req.target, StartedAt: req.startedAt})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Current returns the active target, if any.
func (r *Router) Current() (Target, bool) {
	r.mu.Lock()
	t := r.tabs[r.current]
	r.mu.Unlock()
	if t == nil {
		return Target{}, false
	}
	return r.describe(t, true), true
}

// Targets lists every known target.
func (r *Router) Targets() []Target {
	r.mu.Lock()
	tabs := make([]*tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		tabs = append(tabs, t)
	}
	current := r.current
	r.mu.Unlock()
	out := make([]Target, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, r.describe(t, t.id == current))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Router) describe(t *tab, active bool) Target {
	r.mu.Lock()
	out := Target{ID: t.id, URL: t.url, Active: active}
	disp := t.disp
	r.mu.Unlock()
	if disp != nil {
		out.Arena = disp.ArenaID()
	}
	return out
}

// Close disposes every dispatcher.
func (r *Router) Close() {
	r.mu.Lock()
	var disps []*dispatch.Dispatcher
	for _, t := range r.tabs {
		if t.disp != nil {
			disps = append(disps, t.disp)
		}
	}
	r.tabs = make(map[string]*tab)
	r.current = ""
	r.mu.Unlock()
	for _, d := range disps {
		d.Close()
	}
}
