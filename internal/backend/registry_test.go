package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fastDescriptor() Descriptor {
	return Descriptor{
		Mode:         ModeFast,
		Name:         "stable-fast-3d",
		Command:      "python",
		Script:       "run.py",
		Args:         []string{PlaceholderInput, "--output-dir", PlaceholderOutputDir, "--device", "cuda"},
		Env:          map[string]string{"HF_HOME": "/cache/hf"},
		Timeout:      600 * time.Second,
		OutputLayout: LayoutIndexedSubdir,
		ArtifactName: DefaultArtifactName,
	}
}

func qualityDescriptor() Descriptor {
	return Descriptor{
		Mode:         ModeQuality,
		Name:         "trellis",
		Command:      "python",
		Args:         []string{"--input", PlaceholderInput, "--output_dir", PlaceholderOutputDir},
		Timeout:      1800 * time.Second,
		OutputLayout: LayoutSelfReportingJSON,
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg, err := NewRegistry(fastDescriptor(), qualityDescriptor())
	require.NoError(t, err)

	d, err := reg.Resolve("quality")
	require.NoError(t, err)
	assert.Equal(t, "trellis", d.Name)
	assert.Equal(t, 1800*time.Second, d.Timeout)

	d, err = reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, ModeFast, d.Mode, "empty mode defaults to fast")

	d, err = reg.Resolve("  FAST ")
	require.NoError(t, err)
	assert.Equal(t, "stable-fast-3d", d.Name)
}

func TestRegistry_UnknownMode(t *testing.T) {
	reg, err := NewRegistry(fastDescriptor())
	require.NoError(t, err)

	_, err = reg.Resolve("ultra")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMode))

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, Mode("ultra"), cfgErr.Mode)
}

func TestRegistry_RejectsDuplicatesAndInvalid(t *testing.T) {
	_, err := NewRegistry(fastDescriptor(), fastDescriptor())
	assert.ErrorContains(t, err, "duplicate")

	bad := fastDescriptor()
	bad.OutputLayout = "zip"
	_, err = NewRegistry(bad)
	assert.ErrorContains(t, err, "unknown output layout")

	bad = fastDescriptor()
	bad.Timeout = 0
	_, err = NewRegistry(bad)
	assert.ErrorContains(t, err, "timeout")
}

func TestRegistry_ResolveReturnsCopy(t *testing.T) {
	reg, err := NewRegistry(fastDescriptor())
	require.NoError(t, err)

	d, err := reg.Resolve("fast")
	require.NoError(t, err)
	d.Env["HF_HOME"] = "/tmp/elsewhere"
	d.Args[0] = "mutated"

	again, err := reg.Resolve("fast")
	require.NoError(t, err)
	assert.Equal(t, "/cache/hf", again.Env["HF_HOME"])
	assert.Equal(t, PlaceholderInput, again.Args[0])
}

func TestRegistry_ResolveIsPure(t *testing.T) {
	reg, err := NewRegistry(fastDescriptor(), qualityDescriptor())
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		mode := rapid.SampledFrom([]string{"fast", "quality", "", "FAST", "unknown"}).Draw(rt, "mode")

		first, err1 := reg.Resolve(mode)
		second, err2 := reg.Resolve(mode)

		if (err1 == nil) != (err2 == nil) {
			rt.Fatalf("error mismatch: %v vs %v", err1, err2)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			rt.Fatalf("resolve(%q) not stable (-first +second):\n%s", mode, diff)
		}
	})
}

func TestDescriptor_BuildArgs(t *testing.T) {
	weights := t.TempDir()
	d := fastDescriptor()
	d.OptionalArgs = []ConditionalArgs{
		{IfExists: weights, Args: []string{"--pretrained-model", weights}},
		{IfExists: filepath.Join(weights, "missing"), Args: []string{"--never"}},
	}

	args := d.BuildArgs("/task/in.png", "/task/fast_output")
	assert.Equal(t, []string{
		"run.py", "/task/in.png", "--output-dir", "/task/fast_output", "--device", "cuda",
		"--pretrained-model", weights,
	}, args)
}

func TestDescriptor_ArtifactPath(t *testing.T) {
	d := fastDescriptor()
	assert.Equal(t, filepath.Join("/out", "0", "mesh.glb"), d.ArtifactPath("/out"))

	d.OutputLayout = LayoutFlatFile
	assert.Equal(t, filepath.Join("/out", "mesh.glb"), d.ArtifactPath("/out"))

	q := qualityDescriptor()
	assert.Equal(t, filepath.Join("/out", "mesh.glb"), q.ArtifactPath("/out"))
	assert.Equal(t, filepath.Join("/out", "mesh.glb"), q.FlatArtifactPath("/out"))
}

func TestCheckInstalled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.py"), []byte("print()"), 0o644))

	d := fastDescriptor()
	d.WorkDir = dir
	assert.NoError(t, CheckInstalled(d))

	d.WorkDir = filepath.Join(dir, "TRELLIS.2")
	err := CheckInstalled(d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotInstalled))
	assert.Contains(t, err.Error(), "TRELLIS.2")

	d.WorkDir = dir
	d.Script = "missing.py"
	assert.ErrorIs(t, CheckInstalled(d), ErrNotInstalled)

	d.Script = ""
	d.Command = filepath.Join(dir, "bin", "python")
	assert.ErrorIs(t, CheckInstalled(d), ErrNotInstalled)
}
