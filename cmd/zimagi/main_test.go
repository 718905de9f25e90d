package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
)

func TestParseExecArgs(t *testing.T) {
	testlog.Start(t)
	name, opts, err := parseExecArgs([]string{"task", "sleep", "seconds=2", "async=true"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "task sleep" || opts["seconds"] != "2" || opts["async"] != "true" {
		t.Fatalf("unexpected parse: %q %v", name, opts)
	}

	for _, args := range [][]string{
		{"a=1"},
		{"echo", "text=x", "extra"},
		{"echo", "=x"},
	} {
		if _, _, err := parseExecArgs(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExecCommandExitCodes(t *testing.T) {
	testlog.Start(t)
	out, err := run(t, "exec", "echo", "text=hello")
	if err != nil {
		t.Fatalf("exec echo: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("unexpected output: %q", out)
	}

	_, err = run(t, "exec", "test", "fail")
	exit, ok := err.(*exitError)
	if !ok || exit.code != 1 {
		t.Fatalf("expected exit 1, got %v", err)
	}

	_, err = run(t, "exec", "test", "fail", "reverse_status=true")
	if err != nil {
		t.Fatalf("expected reversed success, got %v", err)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "zimagi.toml")
	if _, err := run(t, "config", "init", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template not written: %v", err)
	}
	out, err := run(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "[server]") || !strings.Contains(out, "nightly-sleep") {
		t.Fatalf("unexpected config output: %q", out)
	}
}
