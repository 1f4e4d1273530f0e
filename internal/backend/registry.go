package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"meshgate/internal/logging"
)

var (
	// ErrUnknownMode is returned when no backend is registered for a mode.
	ErrUnknownMode = errors.New("unknown reconstruction mode")

	// ErrNotInstalled is returned when a backend's files are missing on disk.
	ErrNotInstalled = errors.New("backend not installed")
)

// ConfigurationError is fatal for the request and never worth retrying.
type ConfigurationError struct {
	Mode   Mode
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("backend %q: %v", e.Mode, e.Err)
	}
	return fmt.Sprintf("backend %q: %v: %s", e.Mode, e.Err, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Registry maps modes to descriptors. It is populated once and only read
// afterwards, so concurrent Resolve calls need no locking.
type Registry struct {
	byMode map[Mode]Descriptor
}

// NewRegistry validates descs and builds the lookup table.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byMode: make(map[Mode]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		key := normalizeMode(d.Mode)
		if _, dup := r.byMode[key]; dup {
			return nil, fmt.Errorf("duplicate backend for mode %q", key)
		}
		d.Mode = key
		r.byMode[key] = d.clone()
		logging.BackendDebug("registered backend %s for mode %s (layout=%s, timeout=%s)",
			d.Name, key, d.OutputLayout, d.Timeout)
	}
	return r, nil
}

// Resolve returns the descriptor for mode. An empty mode resolves to
// DefaultMode. The returned value is a copy.
func (r *Registry) Resolve(mode string) (Descriptor, error) {
	key := normalizeMode(Mode(mode))
	if key == "" {
		key = DefaultMode
	}
	d, ok := r.byMode[key]
	if !ok {
		return Descriptor{}, &ConfigurationError{Mode: key, Err: ErrUnknownMode}
	}
	return d.clone(), nil
}

// Modes lists registered modes in sorted order.
func (r *Registry) Modes() []Mode {
	modes := make([]Mode, 0, len(r.byMode))
	for m := range r.byMode {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

// CheckInstalled verifies the backend's work dir, script and (absolute)
// command exist, so a missing installation fails before any process starts.
func CheckInstalled(d Descriptor) error {
	probe := func(what, path string) error {
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			logging.BackendWarn("backend %s: %s %s not found", d.Name, what, path)
			return &ConfigurationError{
				Mode:   d.Mode,
				Err:    ErrNotInstalled,
				Reason: fmt.Sprintf("%s %s does not exist", what, path),
			}
		}
		return nil
	}

	if err := probe("work dir", d.WorkDir); err != nil {
		return err
	}
	if filepath.IsAbs(d.Command) {
		if err := probe("command", d.Command); err != nil {
			return err
		}
	}
	script := d.Script
	if script != "" && !filepath.IsAbs(script) && d.WorkDir != "" {
		script = filepath.Join(d.WorkDir, script)
	}
	return probe("script", script)
}

func normalizeMode(m Mode) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(string(m))))
}
