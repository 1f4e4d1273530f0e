package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"meshgate/internal/backend"
	"meshgate/internal/logging"
)

// DefaultTimeout applies when an Invocation carries none.
const DefaultTimeout = 60 * time.Second

// killGrace bounds how long Wait keeps draining pipes after the group was
// killed; grandchildren that escaped the group could otherwise hold them open.
const killGrace = 5 * time.Second

// Supervisor launches worker processes. The zero value is not usable; call New.
type Supervisor struct {
	maxOutputBytes int64
	environ        func() []string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMaxOutputBytes overrides the per-stream capture cap.
func WithMaxOutputBytes(n int64) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxOutputBytes = n
		}
	}
}

// WithEnviron replaces the ambient environment source (os.Environ by default).
func WithEnviron(fn func() []string) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.environ = fn
		}
	}
}

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		maxOutputBytes: DefaultMaxOutputBytes,
		environ:        os.Environ,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run launches the backend described by d against one image, writing into
// outputDir. It blocks until the process exits or its timeout fires.
func (s *Supervisor) Run(ctx context.Context, d backend.Descriptor, imagePath, outputDir string) (RawCompletion, error) {
	inv := Invocation{
		Binary:  d.Command,
		Args:    d.BuildArgs(imagePath, outputDir),
		Dir:     d.WorkDir,
		Env:     d.Env,
		Timeout: d.Timeout,
	}
	logging.Supervisor("starting backend %s (mode=%s, timeout=%s)", d.Name, d.Mode, d.Timeout)
	return s.Exec(ctx, inv)
}

// Exec runs one invocation. A non-nil error means the process could not be
// started or the caller's context was canceled; exits, nonzero codes and
// timeouts are reported in the RawCompletion instead.
func (s *Supervisor) Exec(ctx context.Context, inv Invocation) (RawCompletion, error) {
	timer := logging.StartTimer(logging.CategorySupervisor, "exec "+inv.Binary)
	defer timer.Stop()

	completion := RawCompletion{ExitCode: -1}
	if inv.Binary == "" {
		return completion, errors.New("binary is required")
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := inv.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = s.maxOutputBytes
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = MergeEnv(s.environ(), inv.Env)
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace

	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logging.SupervisorDebug("exec: %s %s (dir=%s, timeout=%s)",
		inv.Binary, strings.Join(inv.Args, " "), inv.Dir, timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logging.SupervisorError("failed to start %s: %v", inv.Binary, err)
		return completion, fmt.Errorf("failed to start %s: %w", inv.Binary, err)
	}
	err := cmd.Wait()

	completion.Duration = time.Since(start)
	completion.Stdout = stdoutBuf.String()
	completion.Stderr = stderrBuf.String()
	completion.Truncated = stdout.truncated || stderr.truncated
	if completion.Truncated {
		logging.SupervisorWarn("%s output truncated: %d bytes discarded",
			inv.Binary, stdout.discarded+stderr.discarded)
	}

	if cmd.ProcessState != nil {
		completion.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		completion.TimedOut = true
		logging.SupervisorWarn("%s killed after %s timeout", inv.Binary, timeout)
		return completion, nil
	case ctx.Err() != nil:
		logging.SupervisorDebug("%s canceled: %v", inv.Binary, ctx.Err())
		return completion, ctx.Err()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return completion, fmt.Errorf("wait for %s: %w", inv.Binary, err)
	}

	logging.Supervisor("%s exited: code=%d duration=%s stdout=%dB stderr=%dB",
		inv.Binary, completion.ExitCode, completion.Duration, len(completion.Stdout), len(completion.Stderr))
	return completion, nil
}

// MergeEnv overlays overrides onto base (KEY=VALUE entries). Override values
// are expanded against base, so "${HF_TOKEN}" passes the ambient token
// through. A value that only expands to empty is skipped, so an unset token
// stays unset instead of being exported as KEY=. A literal "" is kept. The
// result is sorted for stable process environments.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	ambient := func(name string) string { return merged[name] }

	expanded := make(map[string]string, len(overrides))
	for k, v := range overrides {
		e := os.Expand(v, ambient)
		if e == "" && v != "" {
			continue
		}
		expanded[k] = e
	}
	for k, v := range expanded {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
