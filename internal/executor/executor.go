// Package executor holds the registry of automation commands. Each entry is
// a function over structured params that returns a JSON-friendly value or a
// typed relay error.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// Page is the execution context a command runs against. Call evaluates a
// helper from the injected bundle; the other methods use privileged
// browser APIs the page itself cannot reach.
type Page interface {
	Call(ctx context.Context, fn string, args ...any) (json.RawMessage, error)
	Navigate(ctx context.Context, url string) error
	// History moves delta entries through session history. It reports
	// false when there is no entry to move to.
	History(ctx context.Context, delta int) (bool, error)
	Reload(ctx context.Context) error
	Cookies(ctx context.Context) ([]Cookie, error)
	ClearCookies(ctx context.Context) error
	// IndexedDB lists database names and their object store names.
	IndexedDB(ctx context.Context) (map[string][]string, error)
	MouseClick(ctx context.Context, x, y float64) error
}

// CaptureControl toggles network capture for toggle_network_monitor.
type CaptureControl interface {
	SetEnabled(ctx context.Context, enabled bool) error
	Enabled() bool
}

// Cookie as reported by the browser's cookie store.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
	Source   string  `json:"source"`
}

// Request carries everything a handler may touch.
type Request struct {
	Command  command.Command
	Page     Page
	Capture  CaptureControl
	Registry *Registry
}

// Params is shorthand for r.Command.Params.
func (r *Request) Params() command.Params { return r.Command.Params }

// Handler executes one command.
type Handler interface {
	Execute(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, req *Request) (any, error) { return f(ctx, req) }

// Category groups commands for listing.
type Category string

const (
	CategoryNavigation  Category = "navigation"
	CategoryLocation    Category = "element_location"
	CategoryInteraction Category = "element_interaction"
	CategoryState       Category = "element_state"
	CategoryPage        Category = "page"
	CategoryStorage     Category = "storage"
	CategoryNetwork     Category = "network"
	CategoryMeta        Category = "meta"
)

// Entry is a registered command.
type Entry struct {
	Name     string
	Category Category
	// Navigation marks commands that tear down the current document. The
	// dispatcher waits for the next load instead of applying the flat
	// command timeout.
	Navigation bool
	// AckFirst navigation commands are acknowledged as soon as the handler
	// returns; the load wait continues in the background.
	AckFirst bool
	Handler  Handler
}

// Registry maps canonical command names to entries. It is populated at
// startup and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	log     *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		log:     log.With("component", "executor"),
	}
}

// Register adds an entry. Names are normalized; duplicates are rejected.
func (r *Registry) Register(e Entry) error {
	if e.Handler == nil {
		return fmt.Errorf("register %q: nil handler", e.Name)
	}
	name := command.Normalize(e.Name)
	if name == "" {
		return fmt.Errorf("register: empty command name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register %q: already registered", name)
	}
	e.Name = name
	r.entries[name] = &e
	return nil
}

// MustRegister is Register for startup code.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Resolve looks a command up case-insensitively, applying aliases.
func (r *Registry) Resolve(name string) (*Entry, error) {
	canonical := command.Normalize(name)
	r.mu.RLock()
	e, ok := r.entries[canonical]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}
	if s := r.suggest(canonical); s != "" {
		return nil, relayerr.New(relayerr.UnknownCommand, "unknown command %q (did you mean %q?)", name, s)
	}
	return nil, relayerr.New(relayerr.UnknownCommand, "unknown command %q", name)
}

func (r *Registry) suggest(name string) string {
	if name == "" {
		return ""
	}
	best, bestDist := "", len(name)/2+2
	for _, e := range r.Entries() {
		if d := levenshtein.ComputeDistance(name, e.Name); d < bestDist {
			best, bestDist = e.Name, d
		}
	}
	return best
}

// Entries returns all entries sorted by name.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run executes e and logs start, success or failure with its duration.
func (r *Registry) Run(ctx context.Context, e *Entry, req *Request) (any, error) {
	log := r.log.With("command", e.Name, "command_id", req.Command.ID)
	log.Debug("command started", "params", req.Command.Params)
	start := time.Now()
	v, err := e.Handler.Execute(ctx, req)
	dur := time.Since(start)
	if err != nil {
		log.Warn("command failed", "duration", dur, "code", relayerr.CodeOf(err), "error", err)
		return nil, err
	}
	log.Info("command succeeded", "duration", dur)
	return v, nil
}
