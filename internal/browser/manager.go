// Package browser attaches to Chrome over the DevTools protocol. It supplies
// page targets to the router, forwards target lifecycle to it, and feeds
// network events to capture.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/manaflow-ai/tabrelay/internal/router"
)

// Signals receives target lifecycle. *router.Router implements it.
type Signals interface {
	Activated(id, url string)
	Updated(id, url string)
	Navigated(id, url string)
	Loaded(id string)
	Removed(id string)
}

// Options configure a Manager.
type Options struct {
	// CDPURL connects to a running Chrome (ws:// or http://). Empty
	// launches a local one.
	CDPURL     string
	Headless   bool
	ProfileDir string
	Logger     *slog.Logger
}

// Target describes a page target known to the browser.
type Target struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// watchTimeout bounds attaching a session to a page for network capture.
const watchTimeout = 10 * time.Second

// Manager owns the browser connection.
type Manager struct {
	opts    Options
	log     *slog.Logger
	signals Signals

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	own           target.ID

	mu      sync.Mutex
	tabs    map[target.ID]*Tab
	targets map[target.ID]*target.Info
	order   []target.ID
	current target.ID

	lifecycle chan any
	network   chan any
	observer  atomic.Pointer[func(ev any)]

	// watch opens a capturing session on a page target. Tests replace it.
	watch    func(ctx context.Context, id target.ID) error
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// tabEvent is a page event tagged with the target it came from.
type tabEvent struct {
	id target.ID
	ev any
}

// NewManager returns a Manager. It does nothing until Start.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		opts:      opts,
		log:       opts.Logger.With("component", "browser"),
		tabs:      make(map[target.ID]*Tab),
		targets:   make(map[target.ID]*target.Info),
		lifecycle: make(chan any, 256),
		network:   make(chan any, 1024),
		stop:      make(chan struct{}),
	}
	m.watch = m.watchTarget
	return m
}

// Start connects to (or launches) Chrome, reports target lifecycle to
// signals and activates the first page.
func (m *Manager) Start(ctx context.Context, signals Signals) error {
	m.signals = signals
	var allocCtx context.Context
	if m.opts.CDPURL != "" {
		m.log.Info("connecting to chrome", "url", m.opts.CDPURL)
		allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.opts.CDPURL)
	} else {
		if m.opts.ProfileDir != "" {
			if err := os.MkdirAll(m.opts.ProfileDir, 0o755); err != nil {
				return fmt.Errorf("create profile dir: %w", err)
			}
		}
		m.log.Info("launching chrome", "profile", m.opts.ProfileDir, "headless", m.opts.Headless)
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("no-first-run", true),
			chromedp.Flag("disable-popup-blocking", true),
		)
		if m.opts.ProfileDir != "" {
			opts = append(opts, chromedp.UserDataDir(m.opts.ProfileDir))
		}
		if m.opts.Headless {
			opts = append(opts, chromedp.Headless)
		} else {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	m.browserCtx, m.browserCancel = chromedp.NewContext(allocCtx)
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.Close()
		return fmt.Errorf("start chrome: %w", err)
	}
	m.own = chromedp.FromContext(m.browserCtx).Target.TargetID

	m.wg.Add(2)
	go m.pumpLifecycle()
	go m.pumpNetwork()

	chromedp.ListenBrowser(m.browserCtx, func(ev any) {
		switch ev.(type) {
		case *target.EventTargetCreated, *target.EventTargetInfoChanged, *target.EventTargetDestroyed:
			m.enqueue(m.lifecycle, ev)
		}
	})
	if err := chromedp.Run(m.browserCtx, target.SetDiscoverTargets(true)); err != nil {
		m.log.Warn("target discovery failed", "error", err)
	}

	infos, err := chromedp.Targets(m.browserCtx)
	if err != nil {
		m.Close()
		return fmt.Errorf("list targets: %w", err)
	}
	var first *target.Info
	m.mu.Lock()
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		m.rememberLocked(info)
		if first == nil || (first.TargetID == m.own && info.TargetID != m.own) {
			first = info
		}
	}
	m.mu.Unlock()
	if first == nil {
		return fmt.Errorf("no page target")
	}
	return m.Activate(ctx, string(first.TargetID))
}

// enqueue hands ev to a pump without blocking the protocol reader for
// longer than the pump needs to drain.
func (m *Manager) enqueue(ch chan any, ev any) {
	select {
	case ch <- ev:
	case <-m.stop:
	}
}

func (m *Manager) pumpLifecycle() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.lifecycle:
			m.handleLifecycle(ev)
		}
	}
}

func (m *Manager) pumpNetwork() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.network:
			if fn := m.observer.Load(); fn != nil {
				(*fn)(ev)
			}
		}
	}
}

func (m *Manager) handleLifecycle(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		if ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
			return
		}
		m.mu.Lock()
		m.rememberLocked(ev.TargetInfo)
		m.current = ev.TargetInfo.TargetID
		m.mu.Unlock()
		m.log.Debug("page created", "target", ev.TargetInfo.TargetID, "url", ev.TargetInfo.URL)
		m.signals.Activated(string(ev.TargetInfo.TargetID), ev.TargetInfo.URL)
		if m.observer.Load() != nil {
			id := ev.TargetInfo.TargetID
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), watchTimeout)
				defer cancel()
				if err := m.watch(ctx, id); err != nil {
					m.log.Warn("network capture not attached", "target", id, "error", err)
				}
			}()
		}

	case *target.EventTargetInfoChanged:
		if ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
			return
		}
		m.mu.Lock()
		m.rememberLocked(ev.TargetInfo)
		m.mu.Unlock()
		m.signals.Updated(string(ev.TargetInfo.TargetID), ev.TargetInfo.URL)

	case *target.EventTargetDestroyed:
		m.mu.Lock()
		_, known := m.targets[ev.TargetID]
		tab := m.tabs[ev.TargetID]
		delete(m.tabs, ev.TargetID)
		m.forgetLocked(ev.TargetID)
		var next *target.Info
		if m.current == ev.TargetID {
			m.current = ""
			if n := len(m.order); n > 0 {
				next = m.targets[m.order[n-1]]
				m.current = next.TargetID
			}
		}
		m.mu.Unlock()
		if !known {
			return
		}
		if tab != nil {
			tab.close()
		}
		m.log.Debug("page closed", "target", ev.TargetID)
		m.signals.Removed(string(ev.TargetID))
		if next != nil {
			m.signals.Activated(string(next.TargetID), next.URL)
		}

	case tabEvent:
		switch e := ev.ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			m.signals.Navigated(string(ev.id), e.Frame.URL)
		case *page.EventLoadEventFired:
			m.signals.Loaded(string(ev.id))
		}
	}
}

func (m *Manager) rememberLocked(info *target.Info) {
	if _, ok := m.targets[info.TargetID]; !ok {
		m.order = append(m.order, info.TargetID)
	}
	m.targets[info.TargetID] = info
}

func (m *Manager) forgetLocked(id target.ID) {
	delete(m.targets, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Attach opens a session on a page target and installs the helper bundle
// for every future document.
func (m *Manager) Attach(ctx context.Context, targetID string) (router.Page, error) {
	tab, err := m.attach(ctx, target.ID(targetID))
	if err != nil {
		return nil, err
	}
	return tab, nil
}

func (m *Manager) attach(ctx context.Context, id target.ID) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tab, ok := m.tabs[id]; ok {
		return tab, nil
	}
	if m.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}

	tab := &Tab{id: id, ctx: m.browserCtx}
	if id != m.own {
		tab.ctx, tab.cancel = chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(id))
		if err := chromedp.Run(tab.ctx); err != nil {
			tab.close()
			return nil, fmt.Errorf("attach to %s: %w", id, err)
		}
	}
	chromedp.ListenTarget(tab.ctx, func(ev any) {
		switch ev.(type) {
		case *page.EventFrameNavigated, *page.EventLoadEventFired:
			m.enqueue(m.lifecycle, tabEvent{id: id, ev: ev})
		case *network.EventRequestWillBeSent, *network.EventRequestWillBeSentExtraInfo,
			*network.EventResponseReceived, *network.EventLoadingFinished, *network.EventLoadingFailed:
			if m.observer.Load() != nil {
				select {
				case m.network <- ev:
				default:
					m.log.Debug("network event dropped, observer busy", "target", id)
				}
			}
		}
	})
	err := tab.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(bundleSource).Do(ctx)
		return err
	}))
	if err != nil {
		tab.close()
		return nil, fmt.Errorf("register helper bundle on %s: %w", id, err)
	}
	m.tabs[id] = tab
	m.log.Info("attached", "target", id)
	return tab, nil
}

// Activate brings a page target to the front and makes it current.
func (m *Manager) Activate(ctx context.Context, targetID string) error {
	id := target.ID(targetID)
	m.mu.Lock()
	info, ok := m.targets[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown page target %s", targetID)
	}
	c := chromedp.FromContext(m.browserCtx)
	if err := target.ActivateTarget(id).Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
		return fmt.Errorf("activate %s: %w", id, err)
	}
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
	m.signals.Activated(targetID, info.URL)
	return nil
}

// Targets lists known page targets, oldest first.
func (m *Manager) Targets() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Target, 0, len(m.order))
	for _, id := range m.order {
		info := m.targets[id]
		out = append(out, Target{ID: string(id), Title: info.Title, URL: info.URL})
	}
	return out
}

// Install starts forwarding network events to observe. Every known page is
// attached so its traffic is seen before any command reaches it; pages
// created later are attached as they appear.
func (m *Manager) Install(ctx context.Context, observe func(ev any)) error {
	m.observer.Store(&observe)
	m.mu.Lock()
	ids := slices.Clone(m.order)
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.watch(ctx, id); err != nil {
			m.log.Warn("network capture not attached", "target", id, "error", err)
		}
	}
	return nil
}

// watchTarget attaches to id and makes sure its Network domain is on.
func (m *Manager) watchTarget(ctx context.Context, id target.ID) error {
	tab, err := m.attach(ctx, id)
	if err != nil {
		return err
	}
	return tab.run(ctx, network.Enable())
}

// Uninstall stops forwarding network events.
func (m *Manager) Uninstall(ctx context.Context) error {
	m.observer.Store(nil)
	return nil
}

// Close detaches every session and shuts the browser connection down. A
// launched Chrome exits; a remote one keeps running.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	for id, tab := range m.tabs {
		tab.close()
		delete(m.tabs, id)
	}
	m.mu.Unlock()
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.wg.Wait()
}
