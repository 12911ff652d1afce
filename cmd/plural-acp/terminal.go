package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	pexec "github.com/zhubert/plural-acp/exec"
)

const snapshotLimit = 4000

// shellTerminal runs suggested commands through sh and echoes their output.
// The most recent output doubles as the terminal snapshot for auto-context.
type shellTerminal struct {
	executor pexec.CommandExecutor
	dir      string
	out      io.Writer

	mu   sync.Mutex
	last string
}

func newShellTerminal(executor pexec.CommandExecutor, dir string, out io.Writer) *shellTerminal {
	return &shellTerminal{executor: executor, dir: dir, out: out}
}

func (t *shellTerminal) Execute(ctx context.Context, command string) (int, error) {
	stdout, stderr, err := pexec.Shell(ctx, t.executor, t.dir, command)
	output := string(stdout) + string(stderr)
	fmt.Fprintf(t.out, "$ %s\n%s", command, output)

	t.mu.Lock()
	t.last = "$ " + command + "\n" + tail(output, snapshotLimit)
	t.mu.Unlock()

	if code, ok := pexec.ExitCode(err); ok {
		return code, nil
	}
	return -1, err
}

func (t *shellTerminal) Paste(text string) error {
	_, err := fmt.Fprintf(t.out, "(pasted) %s\n", text)
	return err
}

func (t *shellTerminal) Snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
