package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"meshgate/internal/backend"
	"meshgate/internal/logging"
	"meshgate/internal/supervisor"
)

// Resolver looks up a backend descriptor by mode.
type Resolver interface {
	Resolve(mode string) (backend.Descriptor, error)
}

// Runner executes one backend process.
type Runner interface {
	Run(ctx context.Context, d backend.Descriptor, imagePath, outputDir string) (supervisor.RawCompletion, error)
}

// Observer is notified of every finished reconstruction.
type Observer interface {
	ObserveReconstruction(mode string, result ArtifactResult, elapsed time.Duration)
}

// UnknownMode labels requests whose mode did not resolve. Observers see it
// instead of the raw request string.
const UnknownMode = "unknown"

// Orchestrator composes registry lookup, process supervision and result
// interpretation. It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	registry       Resolver
	runner         Runner
	observer       Observer
	checkInstalled func(backend.Descriptor) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers an observer for finished reconstructions.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithInstallCheck replaces backend.CheckInstalled.
func WithInstallCheck(fn func(backend.Descriptor) error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.checkInstalled = fn
		}
	}
}

// New creates an Orchestrator.
func New(registry Resolver, runner Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:       registry,
		runner:         runner,
		checkInstalled: backend.CheckInstalled,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Reconstruct runs the backend for mode on imagePath, writing into outputDir.
// outputDir must already exist and be exclusive to this call. An empty mode
// selects backend.DefaultMode.
func (o *Orchestrator) Reconstruct(ctx context.Context, imagePath, outputDir, mode string) ArtifactResult {
	start := time.Now()
	result, resolved := o.reconstruct(ctx, imagePath, outputDir, mode)
	elapsed := time.Since(start)

	if result.Success {
		logging.Reconstruct("mode=%s produced %s in %s", resolved, result.ArtifactPath, elapsed)
	} else {
		logging.ReconstructWarn("mode=%s (requested %q) failed after %s: %s: %s",
			resolved, mode, elapsed, result.ErrorKind, result.ErrorDetail)
	}
	if o.observer != nil {
		o.observer.ObserveReconstruction(resolved, result, elapsed)
	}
	return result
}

// ResolveMode returns the mode a request for mode runs under without
// launching anything, so callers can reject bad input before touching disk.
func (o *Orchestrator) ResolveMode(mode string) (string, error) {
	d, err := o.registry.Resolve(mode)
	if err != nil {
		return "", err
	}
	return string(d.Mode), nil
}

func (o *Orchestrator) reconstruct(ctx context.Context, imagePath, outputDir, mode string) (ArtifactResult, string) {
	d, err := o.registry.Resolve(mode)
	if err != nil {
		return Failed(ErrorConfiguration, err.Error()), UnknownMode
	}
	resolved := string(d.Mode)

	if err := o.checkInstalled(d); err != nil {
		return Failed(ErrorConfiguration, err.Error()), resolved
	}

	// The backend runs in d.WorkDir; relative paths would point it
	// somewhere other than where Interpret looks.
	if imagePath, err = filepath.Abs(imagePath); err != nil {
		return Failed(ErrorConfiguration, fmt.Sprintf("resolve image path: %v", err)), resolved
	}
	if outputDir, err = filepath.Abs(outputDir); err != nil {
		return Failed(ErrorConfiguration, fmt.Sprintf("resolve output dir: %v", err)), resolved
	}

	completion, err := o.runner.Run(ctx, d, imagePath, outputDir)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Failed(ErrorBackendFailure, fmt.Sprintf("%s canceled: %v", d.Name, err)), resolved
		}
		return Failed(ErrorBackendFailure, err.Error()), resolved
	}

	return Interpret(d, completion, outputDir), resolved
}
