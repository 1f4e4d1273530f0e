package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate/internal/supervisor"
)

func TestNormalize(t *testing.T) {
	v, err := Normalize([]float32{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v[0], 1e-9)
	assert.InDelta(t, 0.8, v[1], 1e-9)
	assert.InDelta(t, 1.0, Norm(v), 1e-12)

	_, err = Normalize([]float32{0, 0, 0})
	assert.ErrorIs(t, err, ErrZeroVector)

	_, err = NormalizeFloat64([]float64{math.NaN(), 1})
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestDot(t *testing.T) {
	d, err := Dot([]float64{1, 2, 3}, []float64{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, 32.0, d)

	_, err = Dot([]float64{1}, []float64{1, 2})
	assert.Error(t, err)
}

func TestNewEngine_UnsupportedProvider(t *testing.T) {
	_, err := NewEngine(context.Background(), Config{Provider: "clipd"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestNewEngine_GenAIRequiresKey(t *testing.T) {
	_, err := NewEngine(context.Background(), Config{Provider: "genai"}, nil)
	assert.ErrorContains(t, err, "API key")
}

func TestNewEngine_ProcessRequiresExecutor(t *testing.T) {
	_, err := NewEngine(context.Background(), Config{Provider: "process", Command: "python3"}, nil)
	assert.Error(t, err)
}

func TestHTTPEngine(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /embed/text", func(w http.ResponseWriter, r *http.Request) {
		var req httpTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := httpTextResponse{}
		for i := range req.Texts {
			out.Embeddings = append(out.Embeddings, []float32{float32(i), 1})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /embed/image", func(w http.ResponseWriter, r *http.Request) {
		var req httpImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		if string(data) != "png-bytes" || req.MIMEType != "image/png" {
			http.Error(w, "bad image", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(httpImageResponse{Embedding: []float32{0.5, 0.5}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e, err := NewHTTPEngine(srv.URL+"/", 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, e.HealthCheck(ctx))

	texts, err := e.EncodeTexts(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}, {2, 1}}, texts)

	img, err := e.EncodeImage(ctx, ImageInput{Data: []byte("png-bytes"), MIMEType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, img)

	_, err = e.EncodeImage(ctx, ImageInput{Data: []byte("other"), MIMEType: "image/png"})
	assert.ErrorContains(t, err, "status 400")
}

func TestHTTPEngine_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(httpTextResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(srv.URL, 0)
	require.NoError(t, err)
	_, err = e.EncodeTexts(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "1 embeddings for 2 texts")
}

type fakeExecutor struct {
	last       supervisor.Invocation
	completion supervisor.RawCompletion
	err        error
}

func (f *fakeExecutor) Exec(_ context.Context, inv supervisor.Invocation) (supervisor.RawCompletion, error) {
	f.last = inv
	return f.completion, f.err
}

func TestProcessEngine(t *testing.T) {
	exec := &fakeExecutor{completion: supervisor.RawCompletion{
		Stdout: "loading ViT-B/32\n{\"embedding\": [0.1, 0.2]}\n",
	}}
	cfg := DefaultConfig()
	cfg.Provider = "process"
	e, err := NewProcessEngine(exec, cfg)
	require.NoError(t, err)

	v, err := e.EncodeImage(context.Background(), ImageInput{Path: "/task/input.png"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, v)

	assert.Equal(t, "python3", exec.last.Binary)
	assert.Equal(t, []string{"clip_encoder.py"}, exec.last.Args)
	assert.Equal(t, cfg.Timeout(), exec.last.Timeout)

	var req processRequest
	require.NoError(t, json.Unmarshal([]byte(exec.last.Stdin), &req))
	assert.Equal(t, processRequest{Mode: "image", Path: "/task/input.png"}, req)
}

func TestProcessEngine_RelativeImagePath(t *testing.T) {
	caller := t.TempDir()
	t.Chdir(caller)

	exec := &fakeExecutor{completion: supervisor.RawCompletion{Stdout: `{"embedding": [1, 0]}`}}
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	e, err := NewProcessEngine(exec, cfg)
	require.NoError(t, err)

	_, err = e.EncodeImage(context.Background(), ImageInput{Path: filepath.Join("uploads", "mug.png")})
	require.NoError(t, err)

	var req processRequest
	require.NoError(t, json.Unmarshal([]byte(exec.last.Stdin), &req))
	assert.Equal(t, filepath.Join(caller, "uploads", "mug.png"), req.Path)
	assert.Equal(t, cfg.WorkDir, exec.last.Dir)
}

func TestProcessEngine_Failures(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name    string
		exec    *fakeExecutor
		wantErr string
	}{
		{
			name:    "reported error",
			exec:    &fakeExecutor{completion: supervisor.RawCompletion{ExitCode: 1, Stdout: `{"error": "cannot identify image file"}`}},
			wantErr: "cannot identify image file",
		},
		{
			name:    "timeout",
			exec:    &fakeExecutor{completion: supervisor.RawCompletion{ExitCode: -1, TimedOut: true}},
			wantErr: "timed out after 1m0s",
		},
		{
			name:    "crash",
			exec:    &fakeExecutor{completion: supervisor.RawCompletion{ExitCode: 139, Stderr: "Segmentation fault"}},
			wantErr: "Segmentation fault",
		},
		{
			name:    "start failure",
			exec:    &fakeExecutor{err: errors.New("failed to start python3")},
			wantErr: "failed to start",
		},
		{
			name:    "garbage",
			exec:    &fakeExecutor{completion: supervisor.RawCompletion{Stdout: "not json"}},
			wantErr: "decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewProcessEngine(tt.exec, cfg)
			require.NoError(t, err)
			_, err = e.EncodeImage(context.Background(), ImageInput{Path: "x.png"})
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestProcessEngine_Texts(t *testing.T) {
	exec := &fakeExecutor{completion: supervisor.RawCompletion{Stdout: `{"embeddings": [[1, 0], [0, 1]]}`}}
	e, err := NewProcessEngine(exec, DefaultConfig())
	require.NoError(t, err)

	v, err := e.EncodeTexts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, v)
}
