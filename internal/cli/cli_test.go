package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/manaflow-ai/tabrelay/internal/config"
)

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TABRELAY_HOME", t.TempDir())
	t.Setenv("TABRELAY_CONFIG", "")

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		flagJSON = false
		configForce = false
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestParseCommand(t *testing.T) {
	out, err := execute(t, "parse", "sendKeys|#q|hello world")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var got struct {
		Name   string            `json:"name"`
		Params map[string]string `json:"params"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Name != "send_keys" {
		t.Errorf("name = %q, want send_keys", got.Name)
	}
	if got.Params["selector"] != "#q" || got.Params["value"] != "hello world" {
		t.Errorf("params = %v", got.Params)
	}
}

func TestParseCommandRejectsEmpty(t *testing.T) {
	if _, err := execute(t, "parse", "   "); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestCommandsListsBuiltins(t *testing.T) {
	out, err := execute(t, "commands", "--aliases")
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	for _, want := range []string{"navigate", "find_element_by_xpath", "clickelement", "toggle_network_monitor"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	out, err := execute(t, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	path := config.Path()
	if !strings.Contains(out, path) {
		t.Errorf("output %q does not name %s", out, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"config", "init"})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("second init error = %v, want hint about --force", err)
	}
}

func TestTargetsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/targets" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"T1","url":"https://example.com/","arena":"A1","active":true},{"id":"T2","url":"about:blank","active":false}]`))
	}))
	defer srv.Close()

	out, err := execute(t, "targets", "--addr", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2 rows:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[1]), "*") || !strings.Contains(lines[1], "T1") {
		t.Errorf("active row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "about:blank") {
		t.Errorf("second row = %q", lines[2])
	}
}

func TestToggleRejectsUnknownValue(t *testing.T) {
	if _, err := execute(t, "toggle", "maybe"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not a JSON record: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "shown" || rec["k"] != "v" || rec["level"] != slog.LevelWarn.String() {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	newLogger(config.LogConfig{}, &buf).Debug("quiet")
	if buf.Len() != 0 {
		t.Errorf("default level should be info, got %q", buf.String())
	}
}
