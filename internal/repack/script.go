package repack

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/phrazzld/repackd/internal/task"
)

// tailLines is how many output lines an ExitError keeps.
const tailLines = 20

// maxLineBytes bounds one output line.
const maxLineBytes = 1 << 20

// Invocation is one run of the repackaging script.
type Invocation struct {
	Platform  string
	Suffix    string
	InputPath string
	Dir       string
}

// Args returns the script arguments.
func (inv Invocation) Args() []string {
	return []string{"-p", inv.Platform, "-s", inv.Suffix, "local", inv.InputPath}
}

// ScriptRunner runs the repackaging script.
type ScriptRunner interface {
	Run(ctx context.Context, inv Invocation, onLine func(line string)) error
}

// ExecRunner runs the script as a subprocess and streams its combined
// stdout and stderr line by line.
type ExecRunner struct {
	path        string
	lineTimeout time.Duration
	logger      *slog.Logger
}

// NewExecRunner creates a runner for the script at path. A zero
// lineTimeout disables the stall check.
func NewExecRunner(path string, lineTimeout time.Duration, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		path:        path,
		lineTimeout: lineTimeout,
		logger:      logger.With("component", "script_runner"),
	}
}

// Run executes the script and calls onLine for every output line, from the
// calling goroutine.
//
// A non-zero exit or a stall is reported as *ExitError and is retryable. A
// script that cannot be started is a permanent failure. When ctx ends the
// process is killed and the context error is returned.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation, onLine func(line string)) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.path, inv.Args()...)
	cmd.Dir = inv.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return task.Permanent(fmt.Errorf("%w: %v", ErrScriptUnavailable, err))
		}
		return fmt.Errorf("%w: %v", ErrScriptUnavailable, err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	r.logger.Debug("script started",
		"pid", cmd.Process.Pid,
		"args", inv.Args(),
		"dir", inv.Dir)

	lines := make(chan string)
	done := make(chan struct{})
	go readLines(pr, lines, done)

	tail := newTail(tailLines)
	stalled := false

	var timeout <-chan time.Time
	var timer *time.Timer
	if r.lineTimeout > 0 {
		timer = time.NewTimer(r.lineTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			tail.add(line)
			if onLine != nil {
				onLine(line)
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(r.lineTimeout)
			}

		case <-timeout:
			stalled = true
			r.logger.Warn("script produced no output within the line timeout, killing it",
				"pid", cmd.Process.Pid,
				"line_timeout", r.lineTimeout)
			_ = cmd.Process.Kill()
			break loop

		case <-ctx.Done():
			break loop
		}
	}

	close(done)
	_ = pr.Close()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stalled {
		return &ExitError{Code: -1, Stalled: true, Tail: tail.lines()}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Tail: tail.lines()}
	}
	if waitErr != nil {
		return fmt.Errorf("failed to wait for script: %w", waitErr)
	}
	return nil
}

func readLines(r *os.File, lines chan<- string, done <-chan struct{}) {
	defer close(lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(scanLines)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
}

// scanLines splits on \n, \r\n and bare \r, so carriage-return progress
// bars produce one line per redraw.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// Wait for the next byte to tell \r from \r\n.
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n lines.
type tail struct {
	buf  []string
	next int
	full bool
}

func newTail(n int) *tail {
	return &tail{buf: make([]string, n)}
}

func (t *tail) add(line string) {
	t.buf[t.next] = line
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
}

func (t *tail) lines() []string {
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	out := make([]string, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
