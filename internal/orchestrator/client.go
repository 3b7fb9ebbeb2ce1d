package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/manaflow-ai/tabrelay/internal/executor"
	"github.com/manaflow-ai/tabrelay/internal/history"
	"github.com/manaflow-ai/tabrelay/internal/router"
)

// Client talks to a running relay's control surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the control surface at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		baseURL:    "http://" + addr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doRequest(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return fmt.Errorf("relay error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("relay error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w (body: %s)", err, string(respBody))
	}
	return nil
}

// State returns the relay state.
func (c *Client) State() (*Snapshot, error) {
	var s Snapshot
	if err := c.doRequest("GET", "/state", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Toggle enables or disables the relay.
func (c *Client) Toggle(enabled bool) (bool, error) {
	var resp struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.doRequest("POST", "/toggle", map[string]bool{"enabled": enabled}, &resp); err != nil {
		return false, err
	}
	return resp.Enabled, nil
}

// Reconnect forces an immediate reconnect.
func (c *Client) Reconnect() (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doRequest("POST", "/reconnect", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Activate makes target the active target.
func (c *Client) Activate(target string) error {
	return c.doRequest("POST", "/activate", map[string]string{"target": target}, nil)
}

// Targets lists the targets known to the router.
func (c *Client) Targets() ([]router.Target, error) {
	var out []router.Target
	if err := c.doRequest("GET", "/targets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Commands lists the registered commands.
func (c *Client) Commands() ([]executor.CommandInfo, error) {
	var out []executor.CommandInfo
	if err := c.doRequest("GET", "/commands", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History queries recorded commands.
func (c *Client) History(f history.Filter) ([]history.Entry, error) {
	q := url.Values{}
	if f.Name != "" {
		q.Set("command", f.Name)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []history.Entry
	if err := c.doRequest("GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryStats returns per-command statistics.
func (c *Client) HistoryStats() ([]history.Stat, error) {
	var out []history.Stat
	if err := c.doRequest("GET", "/history/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
