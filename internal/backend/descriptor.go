// Package backend describes the external image-to-3D reconstruction programs
// meshgate can drive and resolves a requested mode to exactly one of them.
//
// Backends were integrated one at a time and never agreed on how to report a
// result. The Descriptor captures those differences as data (OutputLayout,
// argument template, environment) so the supervisor and the result
// interpreter stay free of per-backend branches.
package backend

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Mode selects a reconstruction backend.
type Mode string

const (
	// ModeFast is the cheaper, faster backend. Used when no mode is given.
	ModeFast Mode = "fast"

	// ModeQuality is the slower, higher-fidelity backend.
	ModeQuality Mode = "quality"
)

// DefaultMode is used when the caller does not pick one.
const DefaultMode = ModeFast

// OutputLayout is how a backend reports the artifact it produced.
type OutputLayout string

const (
	// LayoutIndexedSubdir writes <outputDir>/0/<artifact>.
	LayoutIndexedSubdir OutputLayout = "indexed_subdir"

	// LayoutFlatFile writes <outputDir>/<artifact>.
	LayoutFlatFile OutputLayout = "flat_file"

	// LayoutSelfReportingJSON prints one trailing JSON object on stdout
	// describing success and the artifact path.
	LayoutSelfReportingJSON OutputLayout = "self_reporting_json"
)

// Valid reports whether l is one of the known layouts.
func (l OutputLayout) Valid() bool {
	switch l {
	case LayoutIndexedSubdir, LayoutFlatFile, LayoutSelfReportingJSON:
		return true
	}
	return false
}

// DefaultArtifactName is the mesh file every known backend writes.
const DefaultArtifactName = "mesh.glb"

// Placeholders substituted into argument templates.
const (
	PlaceholderInput     = "{input}"
	PlaceholderOutputDir = "{output_dir}"
)

// ConditionalArgs are appended to the argument list only when IfExists is
// present on disk, e.g. pointing a backend at locally downloaded weights.
type ConditionalArgs struct {
	IfExists string   `yaml:"if_exists" json:"if_exists"`
	Args     []string `yaml:"args" json:"args"`
}

// Descriptor is the static description of one backend.
type Descriptor struct {
	Mode    Mode   `json:"mode"`
	Name    string `json:"name"`
	Command string `json:"command"`

	// Script is the entry script handed to Command, if any. It is checked
	// for existence together with WorkDir.
	Script string `json:"script,omitempty"`

	// Args is the argument template; see PlaceholderInput/PlaceholderOutputDir.
	Args         []string          `json:"args"`
	OptionalArgs []ConditionalArgs `json:"optional_args,omitempty"`

	WorkDir string            `json:"work_dir"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout"`

	OutputLayout OutputLayout `json:"output_layout"`
	ArtifactName string       `json:"artifact_name"`

	// AuthHint is the actionable message shown when the backend fails with a
	// credential or gated-model error.
	AuthHint string `json:"auth_hint,omitempty"`
}

// Validate checks a descriptor for structural problems.
func (d Descriptor) Validate() error {
	if d.Mode == "" {
		return fmt.Errorf("backend %q: mode is required", d.Name)
	}
	if d.Command == "" {
		return fmt.Errorf("backend %q: command is required", d.Name)
	}
	if !d.OutputLayout.Valid() {
		return fmt.Errorf("backend %q: unknown output layout %q", d.Name, d.OutputLayout)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("backend %q: timeout must be positive", d.Name)
	}
	return nil
}

// BuildArgs substitutes the input image and output directory into the
// argument template and appends any conditional arguments whose probe path
// exists.
func (d Descriptor) BuildArgs(imagePath, outputDir string) []string {
	r := strings.NewReplacer(PlaceholderInput, imagePath, PlaceholderOutputDir, outputDir)

	args := make([]string, 0, len(d.Args)+2)
	if d.Script != "" {
		args = append(args, d.Script)
	}
	for _, a := range d.Args {
		args = append(args, r.Replace(a))
	}
	for _, opt := range d.OptionalArgs {
		if opt.IfExists == "" {
			continue
		}
		if _, err := os.Stat(opt.IfExists); err != nil {
			continue
		}
		for _, a := range opt.Args {
			args = append(args, r.Replace(a))
		}
	}
	return args
}

// ArtifactPath is where the artifact is expected for this descriptor's
// layout. Self-reporting backends fall back to the flat-file location.
func (d Descriptor) ArtifactPath(outputDir string) string {
	name := d.ArtifactName
	if name == "" {
		name = DefaultArtifactName
	}
	if d.OutputLayout == LayoutIndexedSubdir {
		return filepath.Join(outputDir, "0", name)
	}
	return filepath.Join(outputDir, name)
}

// FlatArtifactPath is <outputDir>/<artifact> regardless of layout.
func (d Descriptor) FlatArtifactPath(outputDir string) string {
	name := d.ArtifactName
	if name == "" {
		name = DefaultArtifactName
	}
	return filepath.Join(outputDir, name)
}

// clone returns a deep copy so callers cannot mutate registry state.
func (d Descriptor) clone() Descriptor {
	c := d
	c.Args = slices.Clone(d.Args)
	c.Env = maps.Clone(d.Env)
	if d.OptionalArgs != nil {
		c.OptionalArgs = make([]ConditionalArgs, len(d.OptionalArgs))
		for i, o := range d.OptionalArgs {
			c.OptionalArgs[i] = ConditionalArgs{IfExists: o.IfExists, Args: slices.Clone(o.Args)}
		}
	}
	return c
}
