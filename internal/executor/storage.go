package executor

import (
	"context"
	"sort"
	"strings"

	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// Storage scopes accepted by clear_storage.
const (
	ScopeLocal   = "localStorage"
	ScopeSession = "sessionStorage"
	ScopeCookies = "cookies"
	ScopeAll     = "all"
)

// pageStorage is what the page can see of its own storage.
type pageStorage struct {
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	Cookies        []Cookie          `json:"cookies"`
}

// AllStorage is the get_all_storage result.
type AllStorage struct {
	Cookies        []Cookie            `json:"cookies"`
	LocalStorage   map[string]string   `json:"localStorage"`
	SessionStorage map[string]string   `json:"sessionStorage"`
	IndexedDB      map[string][]string `json:"indexedDB"`
	Errors         []string            `json:"errors,omitempty"`
}

// MergeCookies merges privileged and document-visible cookies by name,
// preferring the privileged copy. Output is sorted by name.
func MergeCookies(privileged, document []Cookie) []Cookie {
	byName := make(map[string]Cookie, len(privileged)+len(document))
	for _, c := range document {
		if c.Source == "" {
			c.Source = "document"
		}
		byName[c.Name] = c
	}
	for _, c := range privileged {
		if c.Source == "" {
			c.Source = "browser"
		}
		byName[c.Name] = c
	}
	out := make([]Cookie, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *commands) getAllStorage(ctx context.Context, req *Request) (any, error) {
	var ps pageStorage
	if err := call(ctx, req.Page, &ps, "storage"); err != nil {
		return nil, err
	}
	out := AllStorage{
		LocalStorage:   ps.LocalStorage,
		SessionStorage: ps.SessionStorage,
		IndexedDB:      map[string][]string{},
	}
	if out.LocalStorage == nil {
		out.LocalStorage = map[string]string{}
	}
	if out.SessionStorage == nil {
		out.SessionStorage = map[string]string{}
	}

	privileged, err := req.Page.Cookies(ctx)
	if err != nil {
		c.log.Warn("privileged cookie read failed", "error", err)
		out.Errors = append(out.Errors, "cookies: "+err.Error())
	}
	out.Cookies = MergeCookies(privileged, ps.Cookies)

	// Best effort: some origins (opaque, file://) have no IndexedDB.
	dbs, err := req.Page.IndexedDB(ctx)
	if err != nil {
		c.log.Debug("indexeddb enumeration failed", "error", err)
		out.Errors = append(out.Errors, "indexedDB: "+err.Error())
	} else if dbs != nil {
		out.IndexedDB = dbs
	}
	return out, nil
}

func (c *commands) getCookies(ctx context.Context, req *Request) (any, error) {
	var ps pageStorage
	if err := call(ctx, req.Page, &ps, "storage"); err != nil {
		return nil, err
	}
	privileged, err := req.Page.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	return MergeCookies(privileged, ps.Cookies), nil
}

func (c *commands) clearStorage(ctx context.Context, req *Request) (any, error) {
	scope, ok := req.Params().String("scope")
	if !ok {
		scope, _ = req.Params().String("arg")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = ScopeAll
	}
	cleared := []string{}
	switch strings.ToLower(scope) {
	case strings.ToLower(ScopeLocal), "local":
		if err := call(ctx, req.Page, nil, "clearStorage", ScopeLocal); err != nil {
			return nil, err
		}
		cleared = append(cleared, ScopeLocal)
	case strings.ToLower(ScopeSession), "session":
		if err := call(ctx, req.Page, nil, "clearStorage", ScopeSession); err != nil {
			return nil, err
		}
		cleared = append(cleared, ScopeSession)
	case ScopeCookies:
		if err := c.clearCookies(ctx, req); err != nil {
			return nil, err
		}
		cleared = append(cleared, ScopeCookies)
	case ScopeAll:
		for _, s := range []string{ScopeLocal, ScopeSession} {
			if err := call(ctx, req.Page, nil, "clearStorage", s); err != nil {
				return nil, err
			}
		}
		if err := c.clearCookies(ctx, req); err != nil {
			return nil, err
		}
		cleared = append(cleared, ScopeLocal, ScopeSession, ScopeCookies)
	default:
		return nil, relayerr.New(relayerr.InvalidParams,
			"invalid scope %q (want localStorage, sessionStorage, cookies or all)", scope)
	}
	return map[string]any{"cleared": cleared}, nil
}

func (c *commands) clearCookies(ctx context.Context, req *Request) error {
	if err := req.Page.ClearCookies(ctx); err != nil {
		return err
	}
	return call(ctx, req.Page, nil, "clearStorage", ScopeCookies)
}
