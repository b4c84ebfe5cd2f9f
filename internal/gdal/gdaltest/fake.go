// Package gdaltest provides a fake gdal.Runner for tests.
package gdaltest

import (
	"context"
	"os"
	"sync"

	"github.com/withObsrvr/tilemosaic/internal/gdal"
)

// Call records one invocation.
type Call struct {
	Tool string
	Args []string
}

// Output returns the last argument, which is the output path for every tool
// invocation this module makes.
func (c Call) Output() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[len(c.Args)-1]
}

// Runner pretends to be GDAL: it records calls and writes a small file at
// the output path. Fail, when set, selects invocations that exit 1 instead.
type Runner struct {
	mu      sync.Mutex
	calls   []Call
	Fail    func(c Call) bool
	Payload []byte
	OnRun   func(c Call)
}

var _ gdal.Runner = (*Runner)(nil)

// Run implements gdal.Runner.
func (r *Runner) Run(ctx context.Context, tool string, args ...string) error {
	c := Call{Tool: tool, Args: append([]string(nil), args...)}

	r.mu.Lock()
	r.calls = append(r.calls, c)
	fail := r.Fail
	onRun := r.OnRun
	payload := r.Payload
	r.mu.Unlock()

	if onRun != nil {
		onRun(c)
	}
	if err := ctx.Err(); err != nil {
		return &gdal.ToolError{Tool: tool, ExitCode: -1, Err: err}
	}
	if fail != nil && fail(c) {
		return &gdal.ToolError{Tool: tool, ExitCode: 1, Stderr: "ERROR 1: simulated failure"}
	}

	if payload == nil {
		payload = []byte("fake " + tool + " output")
	}
	if err := os.WriteFile(c.Output(), payload, 0644); err != nil {
		return &gdal.ToolError{Tool: tool, ExitCode: 1, Stderr: err.Error()}
	}
	return nil
}

// Calls returns a copy of the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo counts invocations of tool.
func (r *Runner) CallsTo(tool string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
