package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshgate/internal/backend"
	"meshgate/internal/config"
	"meshgate/internal/gate"
)

func setupCLI(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.WorkspaceDir = filepath.Join(t.TempDir(), "workspace")
	reconstructMode = ""
	keepTask = false
	t.Cleanup(func() { cfg = nil })
	return &bytes.Buffer{}
}

func newCmd(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd
}

func shBackend(mode, layout, script string) config.BackendConfig {
	return config.BackendConfig{
		Mode:           mode,
		Name:           "sh-" + mode,
		Command:        "sh",
		Args:           []string{"-c", script, "sh", backend.PlaceholderInput, backend.PlaceholderOutputDir},
		TimeoutSeconds: 10,
		Layout:         layout,
	}
}

func writeTestPNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "product.png")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeEncoder serves the HTTP embedding protocol: every prompt of category i
// maps to axis i and every image to imageAxis.
func fakeEncoder(t *testing.T, imageAxis int) *httptest.Server {
	t.Helper()
	cats := gate.DefaultCategories()
	axisOf := map[string]int{}
	for _, c := range cats {
		for _, p := range c.Prompts {
			axisOf[p] = c.ID
		}
	}
	vec := func(i int) []float32 {
		v := make([]float32, len(cats))
		v[i] = 1
		return v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("POST /embed/text", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = vec(axisOf[text])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	})
	mux.HandleFunc("POST /embed/image", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec(imageAxis)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
}

func TestBackendsCmd(t *testing.T) {
	out := setupCLI(t)
	installed := t.TempDir()
	cfg.Backends[0].WorkDir = installed
	cfg.Backends[0].Command = "python3"
	cfg.Backends[0].Script = ""
	cfg.Backends[1].WorkDir = filepath.Join(installed, "TRELLIS.2")

	if err := runBackends(newCmd(out), nil); err != nil {
		t.Fatalf("runBackends failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got:\n%s", out.String())
	}
	if !strings.Contains(lines[1], "fast") || !strings.Contains(lines[1], "ready") {
		t.Errorf("fast backend should be ready: %q", lines[1])
	}
	if !strings.Contains(lines[2], "quality") || !strings.Contains(lines[2], "missing") {
		t.Errorf("quality backend should be missing: %q", lines[2])
	}
}

func TestReconstructCmd(t *testing.T) {
	skipOnWindows(t)
	out := setupCLI(t)
	cfg.Backends = []config.BackendConfig{
		shBackend("fast", "indexed_subdir", `mkdir -p "$2/0" && cp "$1" "$2/0/mesh.glb" && echo "segfault on exit" >&2 && exit 1`),
	}

	if err := runReconstruct(newCmd(out), []string{writeTestPNG(t)}); err != nil {
		t.Fatalf("runReconstruct failed: %v\n%s", err, out.String())
	}

	var got pipelineOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got.Stage != "completed" || got.Result == nil || !got.Result.Success {
		t.Fatalf("expected success, got %s", out.String())
	}
	want := filepath.Join(cfg.WorkspaceDir, got.TaskID, "fast_output", "0", "mesh.glb")
	if abs, _ := filepath.Abs(want); got.Result.ArtifactPath != abs {
		t.Errorf("expected artifact %s, got %s", abs, got.Result.ArtifactPath)
	}
	if _, err := os.Stat(got.Result.ArtifactPath); err != nil {
		t.Errorf("a produced mesh must survive the run: %v", err)
	}
}

func TestReconstructCmd_Failure(t *testing.T) {
	skipOnWindows(t)
	out := setupCLI(t)
	cfg.Backends = []config.BackendConfig{
		shBackend("quality", "self_reporting_json", `echo "loading"; echo '{"success": false, "error": "CUDA OOM"}'; exit 1`),
	}
	reconstructMode = "quality"

	err := runReconstruct(newCmd(out), []string{writeTestPNG(t)})
	if err == nil {
		t.Fatal("expected an error for a failed reconstruction")
	}

	var got pipelineOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got.Result.ErrorDetail != "CUDA OOM" {
		t.Errorf("expected CUDA OOM, got %q", got.Result.ErrorDetail)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceDir, got.TaskID)); !os.IsNotExist(err) {
		t.Errorf("task directory should be removed without --keep")
	}
}

func TestReconstructCmd_KeepFailedTask(t *testing.T) {
	skipOnWindows(t)
	out := setupCLI(t)
	keepTask = true
	cfg.Backends = []config.BackendConfig{
		shBackend("fast", "indexed_subdir", `echo "CUDA error: out of memory" >&2; exit 1`),
	}

	if err := runReconstruct(newCmd(out), []string{writeTestPNG(t)}); err == nil {
		t.Fatal("expected an error for a failed reconstruction")
	}

	var got pipelineOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceDir, got.TaskID)); err != nil {
		t.Errorf("--keep must retain the failed task: %v", err)
	}
}

func TestReconstructCmd_UnknownMode(t *testing.T) {
	out := setupCLI(t)
	reconstructMode = "ultra"

	err := runReconstruct(newCmd(out), []string{writeTestPNG(t)})
	if err == nil || !strings.Contains(err.Error(), "ConfigurationError") {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	entries, err := os.ReadDir(cfg.WorkspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("an unknown mode must leave nothing behind, found %d entries", len(entries))
	}
}

func TestClassifyCmd(t *testing.T) {
	out := setupCLI(t)
	cfg.Embedding.Provider = "http"
	cfg.Embedding.Endpoint = fakeEncoder(t, gate.CategoryAcceptable).URL

	if err := runClassify(newCmd(out), []string{writeTestPNG(t)}); err != nil {
		t.Fatalf("runClassify failed: %v", err)
	}

	var v map[string]any
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if v["status"] != "accept" {
		t.Errorf("expected accept, got %v", v)
	}
}

func TestClassifyCmd_CorruptImage(t *testing.T) {
	out := setupCLI(t)
	cfg.Embedding.Endpoint = fakeEncoder(t, gate.CategoryAcceptable).URL

	bad := filepath.Join(t.TempDir(), "bad.png")
	if err := os.WriteFile(bad, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := runClassify(newCmd(out), []string{bad}); err != nil {
		t.Fatalf("a corrupt image is a verdict, not a command error: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "error"`) {
		t.Errorf("expected error verdict, got %s", out.String())
	}
}

func TestClassifyCmd_EncoderDown(t *testing.T) {
	out := setupCLI(t)
	srv := fakeEncoder(t, 0)
	srv.Close()
	cfg.Embedding.Endpoint = srv.URL

	if err := runClassify(newCmd(out), []string{writeTestPNG(t)}); err == nil {
		t.Fatal("expected setup error when the encoder is unreachable")
	}
}

func TestProcessCmd_Rejected(t *testing.T) {
	out := setupCLI(t)
	cfg.Embedding.Endpoint = fakeEncoder(t, gate.CategoryPersonOrLandscape).URL

	if err := runProcess(newCmd(out), []string{writeTestPNG(t)}); err != nil {
		t.Fatalf("runProcess failed: %v", err)
	}

	var got pipelineOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got.Stage != "filtering" || got.Result != nil {
		t.Errorf("rejected image must not be reconstructed: %s", out.String())
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceDir, got.TaskID)); !os.IsNotExist(err) {
		t.Errorf("rejected task should be removed without --keep")
	}
}

func TestProcessCmd_Completed(t *testing.T) {
	skipOnWindows(t)
	out := setupCLI(t)
	cfg.Embedding.Endpoint = fakeEncoder(t, gate.CategoryAcceptable).URL
	cfg.Backends = []config.BackendConfig{
		shBackend("fast", "indexed_subdir", `mkdir -p "$2/0" && printf glTF > "$2/0/mesh.glb"`),
	}

	if err := runProcess(newCmd(out), []string{writeTestPNG(t)}); err != nil {
		t.Fatalf("runProcess failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), `"stage": "completed"`) {
		t.Errorf("expected completed, got %s", out.String())
	}
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshgate.yaml")
	if err := os.WriteFile(path, []byte("gate:\n  scale: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	configPath = path
	defer func() { configPath = "meshgate.yaml" }()

	err := rootCmd.PersistentPreRunE(rootCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
}
