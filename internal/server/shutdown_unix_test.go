//go:build !windows

package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshgate/internal/backend"
	"meshgate/internal/reconstruct"
	"meshgate/internal/supervisor"
	"meshgate/internal/tasks"
)

func TestServe_ShutdownKillsRunningBackend(t *testing.T) {
	store, err := tasks.NewStore(t.TempDir())
	require.NoError(t, err)
	task, err := store.Create()
	require.NoError(t, err)
	_, err = store.SaveUpload(task, "lamp.png", strings.NewReader("png"), 0)
	require.NoError(t, err)

	pidFile := filepath.Join(t.TempDir(), "backend.pid")
	reg, err := backend.NewRegistry(backend.Descriptor{
		Mode:         backend.ModeFast,
		Name:         "sleeper",
		Command:      "sh",
		Args:         []string{"-c", `echo $$ > "$1"; exec sleep 30`, "sh", pidFile},
		Timeout:      time.Minute,
		OutputLayout: backend.LayoutIndexedSubdir,
	})
	require.NoError(t, err)

	srv := New(&stubGate{verdict: acceptVerdict}, reconstruct.New(reg, supervisor.New()), store, Options{Logger: zap.NewNop()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, 200*time.Millisecond) }()

	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/api/reconstruct/"+task.ID,
			"application/json", strings.NewReader(`{"model":"fast"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorContains(t, err, "shutdown")
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}

	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "backend %d outlived the server", pid)
}
