package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"meshgate/internal/logging"
	"meshgate/internal/supervisor"
)

// =============================================================================
// SUBPROCESS EMBEDDING ENGINE
// =============================================================================

// Executor runs one supervised process. *supervisor.Supervisor satisfies it.
type Executor interface {
	Exec(ctx context.Context, inv supervisor.Invocation) (supervisor.RawCompletion, error)
}

// ProcessEngine runs a local encoder script per call. The script reads a JSON
// request on stdin and prints one JSON object as the last stdout line:
//
//	{"mode": "image", "path": "..."} -> {"embedding": [...]}
//	{"mode": "text", "texts": [...]} -> {"embeddings": [[...], ...]}
//
// Failures are reported as {"error": "..."} with a nonzero exit.
type ProcessEngine struct {
	exec Executor
	cfg  Config
}

// NewProcessEngine creates a subprocess-backed engine.
func NewProcessEngine(exec Executor, cfg Config) (*ProcessEngine, error) {
	if exec == nil {
		return nil, fmt.Errorf("process embedding engine needs an executor")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("process embedding engine needs a command")
	}
	return &ProcessEngine{exec: exec, cfg: cfg}, nil
}

// EncodeImage embeds the image at img.Path.
func (e *ProcessEngine) EncodeImage(ctx context.Context, img ImageInput) ([]float32, error) {
	if img.Path == "" {
		return nil, fmt.Errorf("process engine requires an image path")
	}
	// The encoder runs in cfg.WorkDir, not ours.
	path, err := filepath.Abs(img.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve image path: %w", err)
	}

	var out processResponse
	if err := e.call(ctx, processRequest{Mode: "image", Path: path}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("encoder returned an empty image embedding")
	}
	return out.Embedding, nil
}

// EncodeTexts embeds prompts in one process run.
func (e *ProcessEngine) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out processResponse
	if err := e.call(ctx, processRequest{Mode: "text", Texts: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("encoder returned %d embeddings for %d texts", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// Name returns the engine name.
func (e *ProcessEngine) Name() string {
	return fmt.Sprintf("process:%s", strings.TrimSpace(e.cfg.Command+" "+e.cfg.Script))
}

func (e *ProcessEngine) call(ctx context.Context, req processRequest, out *processResponse) error {
	stdin, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var args []string
	if e.cfg.Script != "" {
		args = append(args, e.cfg.Script)
	}

	inv := supervisor.Invocation{
		Binary:  e.cfg.Command,
		Args:    args,
		Dir:     e.cfg.WorkDir,
		Env:     e.cfg.Env,
		Stdin:   string(stdin),
		Timeout: e.cfg.Timeout(),
	}

	logging.EmbeddingDebug("encoder call mode=%s", req.Mode)
	c, err := e.exec.Exec(ctx, inv)
	if err != nil {
		return fmt.Errorf("encoder process: %w", err)
	}
	if c.TimedOut {
		return fmt.Errorf("encoder process timed out after %s", inv.Timeout)
	}

	line := lastLine(c.Stdout)
	if line != "" {
		if jerr := json.Unmarshal([]byte(line), out); jerr == nil && out.Error != "" {
			return fmt.Errorf("encoder error: %s", out.Error)
		} else if jerr != nil && c.ExitCode == 0 {
			return fmt.Errorf("failed to decode encoder output: %w", jerr)
		}
	}
	if c.ExitCode != 0 {
		return fmt.Errorf("encoder exited with code %d: %s", c.ExitCode, strings.TrimSpace(c.Stderr))
	}
	if line == "" {
		return fmt.Errorf("encoder produced no output")
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

type processRequest struct {
	Mode  string   `json:"mode"`
	Path  string   `json:"path,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

type processResponse struct {
	Embedding  []float32   `json:"embedding,omitempty"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	Error      string      `json:"error,omitempty"`
}
