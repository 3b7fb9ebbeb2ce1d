package router

import "github.com/manaflow-ai/tabrelay/internal/dispatch"

// The browser layer reports target lifecycle through these methods.

// Activated makes id the current target.
func (r *Router) Activated(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tabLocked(id)
	if url != "" {
		t.url = url
	}
	if r.current != id {
		r.log.Info("active target changed", "target", id, "url", t.url)
	}
	r.current = id
}

// Updated records a URL change that did not replace the document, such as
// a same-document history push.
func (r *Router) Updated(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.tabs[id]; t != nil && url != "" {
		t.url = url
	}
}

// Navigated reports a main-frame navigation: the old document and its arena
// are gone.
func (r *Router) Navigated(id, url string) {
	r.mu.Lock()
	t := r.tabLocked(id)
	if url != "" {
		t.url = url
	}
	disp := t.disp
	r.mu.Unlock()
	if disp != nil {
		disp.Dispose()
	}
}

// Loaded reports that the target's document finished loading.
func (r *Router) Loaded(id string) {
	r.mu.Lock()
	var disp *dispatch.Dispatcher
	if t := r.tabs[id]; t != nil {
		disp = t.disp
	}
	r.mu.Unlock()
	if disp != nil {
		disp.NotifyLoad()
	}
}

// Removed forgets a closed target.
func (r *Router) Removed(id string) {
	r.mu.Lock()
	var disp *dispatch.Dispatcher
	if t := r.tabs[id]; t != nil {
		disp = t.disp
	}
	delete(r.tabs, id)
	if r.current == id {
		r.current = ""
		r.log.Info("active target closed", "target", id)
	}
	r.mu.Unlock()
	if disp != nil {
		disp.Close()
	}
}

func (r *Router) tabLocked(id string) *tab {
	t := r.tabs[id]
	if t == nil {
		t = &tab{id: id}
		r.tabs[id] = t
	}
	return t
}
