package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wopr-bot/wopr/internal/config"
	"github.com/wopr-bot/wopr/internal/defaults"
	"github.com/wopr-bot/wopr/internal/router"
)

func runArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runArgs(t, args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: wopr") {
			t.Errorf("run(%v) printed %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"launch"}, "unknown command: launch"},
		{[]string{"-x"}, "unknown flag: -x"},
		{[]string{"-o", "xml", "version"}, "unknown output format"},
		{[]string{"ask"}, "usage: wopr ask"},
		{[]string{"ask", "-user", "bob"}, "usage: wopr ask"},
		{[]string{"-config", "/nonexistent/wopr.yaml", "serve"}, "config file not found"},
		{[]string{"-config", "/nonexistent/wopr.yaml", "ask", "hi"}, "config file not found"},
	}
	for _, tt := range tests {
		_, err := runArgs(t, tt.args...)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: postgres\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := runArgs(t, "-config", path, "serve")
	if err == nil || !strings.Contains(err.Error(), "store.driver") {
		t.Errorf("serve with bad driver = %v", err)
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runArgs(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "WOPR") || !strings.Contains(out, "go_version:") {
		t.Errorf("text version = %q", out)
	}

	out, err = runArgs(t, "version", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version %q: %v", out, err)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("json version = %v", info)
	}
}

func TestRun_Init(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wopr")
	out, err := runArgs(t, "init", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "✓") {
		t.Errorf("init output = %q", out)
	}
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, defaults.ConfigYAML) {
		t.Error("config.yaml differs from the bundled example")
	}
	if fi, err := os.Stat(filepath.Join(dir, "data")); err != nil || !fi.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}

	// A second init leaves the user's edits alone.
	custom := []byte("log_level: debug\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = runArgs(t, "init", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "exists") {
		t.Errorf("second init output = %q", out)
	}
	got, _ = os.ReadFile(filepath.Join(dir, "config.yaml"))
	if !bytes.Equal(got, custom) {
		t.Errorf("init overwrote config.yaml: %q", got)
	}
}

func TestBundledConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadConfig(path); err != nil {
		t.Errorf("bundled config: %v", err)
	}
}

func TestConsole(t *testing.T) {
	ctx := context.Background()
	c := newConsole()

	h, _ := c.Send(ctx, "Thinking")
	if err := h.Edit(ctx, "The answer is 42."); err != nil {
		t.Fatal(err)
	}
	gone, _ := c.Send(ctx, "placeholder")
	if err := gone.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	var answered []bool
	if _, err := c.Confirm(ctx, "Create tool?", func(ctx context.Context, ok bool) {
		answered = append(answered, ok)
		c.Send(ctx, "Cancelled.")
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{false}, answered); diff != "" {
		t.Errorf("answers (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := c.Flush(&buf); err != nil {
		t.Fatal(err)
	}
	lines := buf.String()
	if strings.Contains(lines, "Thinking") || strings.Contains(lines, "placeholder") {
		t.Errorf("flushed stale text: %q", lines)
	}
	for _, want := range []string{"The answer is 42.", "Create tool?", "declining", "Cancelled."} {
		if !strings.Contains(lines, want) {
			t.Errorf("output missing %q: %q", want, lines)
		}
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Anthropic.APIKey = "sk-test"
	cfg.Models.Exact = "claude"
	cfg.Models.Available = append(cfg.Models.Available, config.ModelConfig{
		Name: "claude", Provider: "anthropic", Tier: "Exact", SupportsTools: true, CostTier: 2,
	})
	return cfg
}

func TestNewLLMClient_OneClientPerProvider(t *testing.T) {
	_, providers := newLLMClient(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	var names []string
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"anthropic", "ollama"}, names); diff != "" {
		t.Errorf("providers (-want +got):\n%s", diff)
	}
}

func TestRouterConfig(t *testing.T) {
	rc := routerConfig(testConfig())
	if rc.Exact != "claude" || rc.Fast != "qwen2.5:3b" || !rc.LocalFirst {
		t.Errorf("defaults = %+v", rc)
	}
	want := router.Model{Name: "claude", Provider: "anthropic", Tier: router.TierExact, SupportsTools: true, CostTier: 2}
	if diff := cmp.Diff(want, rc.Models[len(rc.Models)-1]); diff != "" {
		t.Errorf("claude model (-want +got):\n%s", diff)
	}
}

func TestNewApp(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "nested", "wopr.db")

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.handler == nil || a.router == nil || a.runner == nil || a.usage == nil {
		t.Fatalf("app not fully wired: %+v", a)
	}
	if _, ok := a.providers["ollama"]; !ok {
		t.Errorf("providers = %v, want ollama", a.providers)
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		t.Errorf("store file not created: %v", err)
	}
}
