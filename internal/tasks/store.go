// Package tasks owns per-request working directories under a workspace
// root. Each task directory holds one uploaded image and one output
// subdirectory per reconstruction mode. Task ids are UUIDs and are checked
// before any path is built from them.
package tasks

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"meshgate/internal/logging"
)

var (
	// ErrTaskNotFound is returned when a task directory does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTaskID is returned for ids that are not UUIDs.
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrUnsupportedFormat is returned for uploads that are not png or jpeg.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrNoImage is returned when a task directory holds no image.
	ErrNoImage = errors.New("no image in task")

	// ErrUploadTooLarge is returned when an upload exceeds the size limit.
	ErrUploadTooLarge = errors.New("upload too large")
)

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// AllowedFile reports whether name has an accepted image extension.
func AllowedFile(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// Task is one request's working directory.
type Task struct {
	ID  string `json:"task_id"`
	Dir string `json:"-"`
}

// Store manages task directories under a root.
type Store struct {
	root string
}

// NewStore creates the workspace root if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string { return s.root }

// Create allocates a fresh task directory.
func (s *Store) Create() (Task, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Task{}, fmt.Errorf("create task dir: %w", err)
	}
	logging.TasksDebug("created task %s", id)
	return Task{ID: id, Dir: dir}, nil
}

// Get returns an existing task.
func (s *Store) Get(id string) (Task, error) {
	dir, err := s.dir(id)
	if err != nil {
		return Task{}, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("stat task %s: %w", id, err)
	}
	return Task{ID: id, Dir: dir}, nil
}

// SaveUpload copies r into the task directory under a sanitized form of
// filename. limit <= 0 means unlimited.
func (s *Store) SaveUpload(t Task, filename string, r io.Reader, limit int64) (string, error) {
	if !AllowedFile(filename) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
	}
	path := filepath.Join(t.Dir, sanitizeFilename(filename))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = fmt.Errorf("%w: more than %d bytes", ErrUploadTooLarge, limit)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("save upload: %w", err)
	}

	logging.Tasks("task %s: saved %s (%d bytes)", t.ID, filepath.Base(path), n)
	return path, nil
}

// Image returns the task's uploaded image. With several candidates the
// lexically first one wins.
func (s *Store) Image(id string) (string, error) {
	t, err := s.Get(id)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		return "", fmt.Errorf("list task %s: %w", id, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && AllowedFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoImage, id)
	}
	sort.Strings(names)
	return filepath.Join(t.Dir, names[0]), nil
}

// OutputDir creates and returns <task>/<mode>_output.
func (s *Store) OutputDir(id, mode string) (string, error) {
	t, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if mode == "" || strings.ContainsAny(mode, `/\.`) {
		return "", fmt.Errorf("invalid mode %q", mode)
	}
	dir := filepath.Join(t.Dir, mode+"_output")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// artifactCandidates are probed in order by FindArtifact. sf3d_output is the
// layout of tasks created before modes were named.
var artifactCandidates = [][]string{
	{"fast_output", "0", "mesh.glb"},
	{"quality_output", "mesh.glb"},
	{"sf3d_output", "0", "mesh.glb"},
}

// FindArtifact returns the first mesh found in the task's output
// directories.
func (s *Store) FindArtifact(id string) (string, error) {
	t, err := s.Get(id)
	if err != nil {
		return "", err
	}
	for _, parts := range artifactCandidates {
		p := filepath.Join(append([]string{t.Dir}, parts...)...)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no mesh for task %s", os.ErrNotExist, id)
}

// Remove deletes the task directory and everything in it.
func (s *Store) Remove(id string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(t.Dir); err != nil {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	logging.Tasks("removed task %s", id)
	return nil
}

func (s *Store) dir(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != strings.ToLower(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return filepath.Join(s.root, parsed.String()), nil
}

// sanitizeFilename keeps ASCII letters, digits, dot, dash and underscore
// from the base name.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if out == "" || !AllowedFile(out) || strings.TrimSuffix(out, filepath.Ext(out)) == "" {
		return "upload" + strings.ToLower(filepath.Ext(base))
	}
	return out
}
