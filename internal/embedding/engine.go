// Package embedding wraps the external image/text encoder the content gate
// scores against. The encoder itself (a CLIP-style joint embedding model) is
// not part of meshgate; engines here only move bytes to it and vectors back.
// Supports three transports: Google GenAI (cloud), an HTTP embedding server,
// and a local encoder script run as a supervised child process.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"meshgate/internal/logging"
)

// =============================================================================
// ENCODER INTERFACE
// =============================================================================

// ImageInput is an already-validated image handed to an encoder.
type ImageInput struct {
	Path     string
	Data     []byte
	MIMEType string
}

// Encoder produces embeddings in one shared image/text space.
type Encoder interface {
	// EncodeImage embeds a single image.
	EncodeImage(ctx context.Context, img ImageInput) ([]float32, error)

	// EncodeTexts embeds a batch of prompts, one vector per prompt, in order.
	EncodeTexts(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the engine name
	Name() string
}

// HealthChecker is implemented by engines that can verify their backend is
// reachable before the prototype table is built.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// ErrUnsupportedProvider is returned by NewEngine for unknown providers.
var ErrUnsupportedProvider = errors.New("unsupported embedding provider")

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "http", "process" or "genai"
	Provider string `yaml:"provider" json:"provider"`

	// HTTP embedding server
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`

	// GenAI
	APIKey string `yaml:"api_key" json:"-"`
	Model  string `yaml:"model" json:"model,omitempty"`

	// Local encoder process
	Command string            `yaml:"command" json:"command,omitempty"`
	Script  string            `yaml:"script" json:"script,omitempty"`
	WorkDir string            `yaml:"work_dir" json:"work_dir,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// TimeoutSeconds bounds a single encoder call.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "http",
		Endpoint:       "http://localhost:8090",
		Model:          "multimodalembedding@001",
		Command:        "python3",
		Script:         "clip_encoder.py",
		TimeoutSeconds: 60,
	}
}

// Timeout returns the per-call timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an encoder based on configuration. exec is only used by
// the process provider and may be nil otherwise.
func NewEngine(ctx context.Context, cfg Config, exec Executor) (Encoder, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var (
		engine Encoder
		err    error
	)
	switch cfg.Provider {
	case "http":
		engine, err = NewHTTPEngine(cfg.Endpoint, cfg.Timeout())
	case "process":
		engine, err = NewProcessEngine(exec, cfg)
	case "genai":
		engine, err = NewGenAIEngine(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("%w: %q (use 'http', 'process' or 'genai')", ErrUnsupportedProvider, cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine created: %s", engine.Name())
	return engine, nil
}

// =============================================================================
// VECTOR HELPERS
// =============================================================================

// ErrZeroVector is returned when a vector cannot be normalized.
var ErrZeroVector = errors.New("zero-magnitude vector")

// Normalize returns v scaled to unit length, widened to float64.
func Normalize(v []float32) ([]float64, error) {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return NormalizeFloat64(out)
}

// NormalizeFloat64 scales v to unit length in place and returns it.
func NormalizeFloat64(v []float64) ([]float64, error) {
	n := Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, ErrZeroVector
	}
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

// Norm is the Euclidean length of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Dot returns the dot product of a and b.
func Dot(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum, nil
}
