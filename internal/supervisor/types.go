// Package supervisor runs external worker processes on behalf of the gate and
// the reconstruction orchestrator.
//
// Each call launches exactly one process in its own process group, captures
// stdout and stderr separately and in full (up to a byte cap), and enforces a
// hard wall-clock timeout. On timeout the whole group is killed so helper
// processes spawned by a backend do not outlive the request.
package supervisor

import (
	"time"
)

// DefaultMaxOutputBytes caps each captured stream.
const DefaultMaxOutputBytes = 16 * 1024 * 1024

// Invocation is a fully resolved process launch.
type Invocation struct {
	// Binary is the executable to run.
	Binary string `json:"binary"`

	// Args are passed to Binary verbatim.
	Args []string `json:"args"`

	// Dir is the process working directory. Empty means the caller's.
	Dir string `json:"dir,omitempty"`

	// Env entries win over the ambient environment. Values may reference
	// ambient variables as ${NAME}.
	Env map[string]string `json:"env,omitempty"`

	// Stdin is written to the process standard input, if non-empty.
	Stdin string `json:"-"`

	// Timeout is the wall-clock budget. Zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout"`

	// MaxOutputBytes caps each of stdout and stderr. Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// RawCompletion is what one supervised process left behind. It is not
// interpreted here: a nonzero exit may still have produced a usable artifact.
type RawCompletion struct {
	// ExitCode is the process exit code, -1 if it never exited normally.
	ExitCode int `json:"exit_code"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// TimedOut is set when the process group was killed at the deadline.
	TimedOut bool `json:"timed_out"`

	// Truncated is set when either stream exceeded MaxOutputBytes.
	Truncated bool `json:"truncated,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Succeeded reports a clean zero exit without timeout.
func (c RawCompletion) Succeeded() bool {
	return !c.TimedOut && c.ExitCode == 0
}
