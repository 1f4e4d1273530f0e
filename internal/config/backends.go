package config

import (
	"fmt"
	"time"

	"meshgate/internal/backend"
)

// BackendConfig is the YAML form of a backend.Descriptor.
type BackendConfig struct {
	Mode    string `yaml:"mode"`
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Script  string `yaml:"script,omitempty"`

	// Args may use {input} and {output_dir}.
	Args         []string                  `yaml:"args"`
	OptionalArgs []backend.ConditionalArgs `yaml:"optional_args,omitempty"`

	WorkDir string `yaml:"work_dir"`

	// Env values may reference the ambient environment as ${NAME}. A value
	// that expands to empty is not exported.
	Env map[string]string `yaml:"env,omitempty"`

	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Layout         string `yaml:"layout"`
	ArtifactName   string `yaml:"artifact_name,omitempty"`
	AuthHint       string `yaml:"auth_hint,omitempty"`
}

// Descriptor converts the YAML form into a validated descriptor.
func (b BackendConfig) Descriptor() (backend.Descriptor, error) {
	d := backend.Descriptor{
		Mode:         backend.Mode(b.Mode),
		Name:         b.Name,
		Command:      b.Command,
		Script:       b.Script,
		Args:         b.Args,
		OptionalArgs: b.OptionalArgs,
		WorkDir:      b.WorkDir,
		Env:          b.Env,
		Timeout:      time.Duration(b.TimeoutSeconds) * time.Second,
		OutputLayout: backend.OutputLayout(b.Layout),
		ArtifactName: b.ArtifactName,
		AuthHint:     b.AuthHint,
	}
	if d.Name == "" {
		d.Name = b.Mode
	}
	if err := d.Validate(); err != nil {
		return backend.Descriptor{}, err
	}
	return d, nil
}

// Descriptors converts every configured backend.
func (c *Config) Descriptors() ([]backend.Descriptor, error) {
	if len(c.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}
	out := make([]backend.Descriptor, 0, len(c.Backends))
	for i, b := range c.Backends {
		d, err := b.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("backends[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// DefaultBackends mirrors a typical GPU host: Stable Fast 3D for fast mode
// and TRELLIS for quality mode, each in its own Python environment.
func DefaultBackends() []BackendConfig {
	return []BackendConfig{
		{
			Mode:    "fast",
			Name:    "stable-fast-3d",
			Command: "/opt/stable-fast-3d/env/bin/python",
			Script:  "run.py",
			Args: []string{
				"{input}",
				"--output-dir", "{output_dir}",
				"--texture-resolution", "1024",
				"--remesh_option", "none",
				"--device", "cuda",
			},
			OptionalArgs: []backend.ConditionalArgs{{
				IfExists: "/opt/models/stabilityai_stable-fast-3d/model.safetensors",
				Args:     []string{"--pretrained-model", "/opt/models/stabilityai_stable-fast-3d"},
			}},
			WorkDir: "/opt/stable-fast-3d/src",
			Env: map[string]string{
				"PYTHONPATH": "/opt/stable-fast-3d/src",
				"HF_HOME":    "/opt/.hf_cache",
			},
			TimeoutSeconds: 600,
			Layout:         string(backend.LayoutIndexedSubdir),
			AuthHint:       "Stable Fast 3D weights are gated: run ./download_sf3d_model.sh first",
		},
		{
			Mode:    "quality",
			Name:    "trellis",
			Command: "/opt/miniconda3/envs/trellis311/bin/python",
			Script:  "/opt/meshgate/scripts/run_trellis.py",
			Args:    []string{"--input", "{input}", "--output_dir", "{output_dir}"},
			WorkDir: "/opt/TRELLIS.2",
			Env: map[string]string{
				"CUDA_VISIBLE_DEVICES":    "0",
				"PYTORCH_CUDA_ALLOC_CONF": "expandable_segments:True",
				"ATTN_BACKEND":            "xformers",
				"HF_TOKEN":                "${HF_TOKEN}",
				"HUGGINGFACE_HUB_TOKEN":   "${HUGGINGFACE_HUB_TOKEN}",
			},
			TimeoutSeconds: 1800,
			Layout:         string(backend.LayoutSelfReportingJSON),
			AuthHint:       "TRELLIS needs Hugging Face access: set HF_TOKEN for an account with access to the model",
		},
	}
}
