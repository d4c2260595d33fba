package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/n0madic/go-elements/internal/config"
	"github.com/n0madic/go-elements/internal/upstream"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	return root.Execute()
}

func TestConfigSetPersists(t *testing.T) {
	dir := t.TempDir()
	if err := execute(t, "--data-dir", dir, "config", "set", config.KeyModel, "gpt-4o"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	if err := execute(t, "--data-dir", dir, "config", "set", "no_such_key", "x"); err == nil {
		t.Fatal("expected error for unknown key")
	}

	a, err := openApp(context.Background(), &globalFlags{dataDir: dir}, appOptions{})
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()
	if a.cfg.Model != "gpt-4o" {
		t.Errorf("model: got %q", a.cfg.Model)
	}
	if a.conversations.DefaultModel != "gpt-4o" {
		t.Errorf("conversation default model: got %q", a.conversations.DefaultModel)
	}
	if _, err := os.Stat(filepath.Join(dir, config.DBFileName)); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestSafeModeTouchesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")
	a, err := openApp(context.Background(), &globalFlags{dataDir: dir, safeMode: true}, appOptions{logFile: true})
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	if !a.cfg.SafeMode {
		t.Fatal("safe mode not applied")
	}
	if _, err := a.store.CreateConversation(context.Background(), "scratch", ""); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("data dir must not be created in safe mode: %v", err)
	}
}

func TestDefaultToolsFollowSettings(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.EnvFileName), []byte("WEB_SEARCH_ENABLED=false\nVECTOR_STORE_ID=vs_a,vs_b\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	a, err := openApp(context.Background(), &globalFlags{dataDir: dir}, appOptions{})
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	tools := a.conversations.DefaultTools
	if len(tools) != 1 || tools[0] != upstream.ToolFileSearch {
		t.Errorf("default tools: got %v", tools)
	}
	if got := strings.Join(a.conversations.DefaultVectorStoreIDs, ","); got != "vs_a,vs_b" {
		t.Errorf("default vector stores: got %q", got)
	}
	if a.vectors == nil {
		t.Fatal("vector service should be enabled by default")
	}
}

func TestRenderProgressBar(t *testing.T) {
	if got := renderProgressBar(0); got != "["+strings.Repeat("░", barSegments)+"]" {
		t.Errorf("0%%: got %s", got)
	}
	if got := renderProgressBar(150); got != "["+strings.Repeat("█", barSegments)+"]" {
		t.Errorf("150%%: got %s", got)
	}
}

func TestFormatResetDuration(t *testing.T) {
	secs := func(v float64) *float64 { return &v }
	tests := []struct {
		in   *float64
		want string
	}{
		{nil, ""},
		{secs(-1), "now"},
		{secs(0.2), "under 1s"},
		{secs(61.4), "1m1s"},
		{secs(3600), "1h0m0s"},
	}
	for _, tt := range tests {
		if got := formatResetDuration(tt.in); got != tt.want {
			t.Errorf("formatResetDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
