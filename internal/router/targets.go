package router

import (
	"strings"
	"sync"

	"github.com/manaflow-ai/tabrelay/internal/dispatch"
)

// privilegedPrefixes are URL schemes the browser refuses to inject into.
var privilegedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-search://",
	"chrome-untrusted://",
	"devtools://",
	"edge://",
	"view-source:",
	"about:",
}

// Forbidden reports whether url belongs to a page that forbids script
// injection. about:blank is the one about: page that allows it.
func Forbidden(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	if u == "" || u == "about:blank" {
		return false
	}
	for _, p := range privilegedPrefixes {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// Target describes a known page target.
type Target struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Arena  string `json:"arena,omitempty"`
	Active bool   `json:"active"`
}

// tab is the router's record of one target. url and disp are guarded by
// the router's mutex; page by attachMu.
type tab struct {
	id   string
	url  string
	disp *dispatch.Dispatcher

	// attachMu serializes attach and injection for this target.
	attachMu sync.Mutex
	page     Page
}
