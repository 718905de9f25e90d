package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
)

func TestJoinCommandEscaping(t *testing.T) {
	testlog.Start(t)
	got := joinCommand("echo", []string{"a b", "quote'v"})
	want := "'echo' 'a b' 'quote'\"'\"'v'"
	if got != want {
		t.Fatalf("unexpected joined command\nwant: %s\ngot:  %s", want, got)
	}
	if joinCommand("", nil) != "''" {
		t.Fatalf("empty command should escape to ''")
	}
}

func TestSSHRunnerAddressValidation(t *testing.T) {
	testlog.Start(t)
	r := SSHRunner{}
	if _, err := r.address(); err == nil {
		t.Fatalf("expected host validation error")
	}

	r.Host = "node-a"
	addr, err := r.address()
	if err != nil {
		t.Fatalf("unexpected address error: %v", err)
	}
	if addr != "node-a:22" {
		t.Fatalf("expected default ssh port, got %q", addr)
	}

	r.Port = "2222"
	if addr, _ = r.address(); addr != "node-a:2222" {
		t.Fatalf("expected explicit port, got %q", addr)
	}
}

func TestSSHRunnerClientConfigValidation(t *testing.T) {
	testlog.Start(t)
	r := SSHRunner{Host: "node-a"}
	if _, err := r.clientConfig(); err == nil {
		t.Fatalf("expected missing user validation error")
	}
	r.User = "ops"
	if _, err := r.clientConfig(); err == nil {
		t.Fatalf("expected missing key validation error")
	}
}

func TestLocalRunnerStreamsOutput(t *testing.T) {
	testlog.Start(t)
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })
	err := LocalRunner{}.Run(context.Background(), "sh", []string{"-c", "echo one; printf two"}, w, nil)
	w.Flush()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestLocalRunnerExitCodes(t *testing.T) {
	testlog.Start(t)
	var stderr bytes.Buffer
	err := LocalRunner{}.Run(context.Background(), "sh", []string{"-c", "echo bad >&2; exit 3"}, nil, &stderr)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 || ExitCode(err) != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
	if stderr.String() != "bad\n" {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}

	err = LocalRunner{}.Run(context.Background(), "definitely-not-a-command-zimagi", nil, nil, nil)
	if ExitCode(err) != 127 {
		t.Fatalf("expected 127 for missing command, got %d (%v)", ExitCode(err), err)
	}
	if ExitCode(nil) != 0 {
		t.Fatalf("nil error should map to 0")
	}
}

func TestLocalRunnerHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := LocalRunner{}.Run(ctx, "sleep", []string{"5"}, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
