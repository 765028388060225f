// Package adbtest provides a scripted adb.Runner for tests.
package adbtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/modoterra/logkit/pkg/adb"
)

// Response is the scripted result for one command line.
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

// Runner matches commands by their argument string (without the adb path,
// including any "-s serial" prefix) and replays scripted responses.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	streams   map[string]string
	held      map[string]bool
	calls     []string
	stdin     map[string]string
}

// New returns an empty scripted runner.
func New() *Runner {
	return &Runner{
		responses: make(map[string]Response),
		streams:   make(map[string]string),
		held:      make(map[string]bool),
		stdin:     make(map[string]string),
	}
}

// On scripts the output of a command.
func (r *Runner) On(args string, stdout string) *Runner {
	return r.OnResponse(args, Response{Stdout: stdout})
}

// OnResponse scripts a full response for a command.
func (r *Runner) OnResponse(args string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[args] = resp
	return r
}

// OnStream scripts the stdout of a streaming command.
func (r *Runner) OnStream(args string, stdout string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[args] = stdout
	return r
}

// OnHeldStream scripts a streaming command that writes stdout and then
// stays open until its context is cancelled, like a live logcat.
func (r *Runner) OnHeldStream(args string, stdout string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[args] = stdout
	r.held[args] = true
	return r
}

// Calls returns every command line executed so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Stdin returns what was written on stdin for a command.
func (r *Runner) Stdin(args string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdin[args]
}

func (r *Runner) Run(_ context.Context, stdin io.Reader, _ string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	var in string
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		in = string(b)
	}

	r.mu.Lock()
	r.calls = append(r.calls, key)
	if stdin != nil {
		r.stdin[key] = in
	}
	resp, ok := r.responses[key]
	r.mu.Unlock()

	if !ok {
		return nil, &adb.CommandError{Args: args, Err: fmt.Errorf("unscripted command %q", key)}
	}
	if resp.Err != nil || resp.Stderr != "" {
		err := resp.Err
		if err == nil {
			err = errors.New("exit status 1")
		}
		return []byte(resp.Stdout), &adb.CommandError{Args: args, Stderr: resp.Stderr, Err: err}
	}
	return []byte(resp.Stdout), nil
}

func (r *Runner) Start(ctx context.Context, _ string, args ...string) (io.ReadCloser, func() error, error) {
	key := strings.Join(args, " ")

	r.mu.Lock()
	r.calls = append(r.calls, key)
	out, ok := r.streams[key]
	held := r.held[key]
	r.mu.Unlock()

	if !ok {
		return nil, nil, &adb.CommandError{Args: args, Err: fmt.Errorf("unscripted stream %q", key)}
	}
	var rc io.ReadCloser = io.NopCloser(bytes.NewBufferString(out))
	if held {
		pr, pw := io.Pipe()
		go func() {
			io.WriteString(pw, out)
			<-ctx.Done()
			pw.Close()
		}()
		rc = pr
	}
	wait := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	return rc, wait, nil
}
