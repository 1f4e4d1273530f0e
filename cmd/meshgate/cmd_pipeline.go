package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshgate/internal/gate"
	"meshgate/internal/reconstruct"
	"meshgate/internal/supervisor"
	"meshgate/internal/tasks"
)

var (
	reconstructMode string
	keepTask        bool
)

// classifyCmd runs the content gate on one image
var classifyCmd = &cobra.Command{
	Use:   "classify [image]",
	Short: "Run the content gate on an image",
	Long: `Embeds the image, scores it against the category prototypes and prints
the verdict as JSON. Exits nonzero only on setup errors; a rejected or
undecodable image is a normal verdict.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

// reconstructCmd runs one backend on an image, skipping the gate
var reconstructCmd = &cobra.Command{
	Use:   "reconstruct [image]",
	Short: "Reconstruct a 3D mesh from an image (no gate)",
	Long: `Copies the image into a new task directory and runs the backend for the
selected mode. Prints the ArtifactResult as JSON and exits nonzero on failure.
The task directory is removed when no mesh was produced, unless --keep is set.

Example:
  meshgate reconstruct chair.png --mode quality`,
	Args: cobra.ExactArgs(1),
	RunE: runReconstruct,
}

// processCmd runs gate then reconstruction
var processCmd = &cobra.Command{
	Use:   "process [image]",
	Short: "Gate an image and reconstruct it if accepted",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcess,
}

type pipelineOutput struct {
	TaskID       string                      `json:"task_id,omitempty"`
	Stage        string                      `json:"stage"`
	Mode         string                      `json:"mode,omitempty"`
	FilterResult *gate.GateVerdict           `json:"filter_result,omitempty"`
	Result       *reconstruct.ArtifactResult `json:"result,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	g, err := buildGate(ctx, cfg, supervisor.New(), nil)
	if err != nil {
		return err
	}

	verdict := g.Classify(ctx, args[0])
	logger.Info("classified", zap.String("image", args[0]), zap.String("status", string(verdict.Status)))
	return printJSON(cmd.OutOrStdout(), verdict)
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	sup := supervisor.New()
	orch, err := buildOrchestrator(cfg, sup, nil)
	if err != nil {
		return err
	}

	store, task, imagePath, err := stageImage(args[0])
	if err != nil {
		return err
	}

	out := reconstructInTask(ctx, orch, store, task, imagePath)
	defer cleanupTask(store, task, out.Result.Success)
	return finish(cmd, out)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	sup := supervisor.New()
	g, err := buildGate(ctx, cfg, sup, nil)
	if err != nil {
		return err
	}
	orch, err := buildOrchestrator(cfg, sup, nil)
	if err != nil {
		return err
	}

	store, task, imagePath, err := stageImage(args[0])
	if err != nil {
		return err
	}

	verdict := g.Classify(ctx, imagePath)
	if !verdict.Accepted() {
		defer cleanupTask(store, task, false)
		return printJSON(cmd.OutOrStdout(), pipelineOutput{TaskID: task.ID, Stage: "filtering", FilterResult: &verdict})
	}

	out := reconstructInTask(ctx, orch, store, task, imagePath)
	defer cleanupTask(store, task, out.Result.Success)
	out.FilterResult = &verdict
	return finish(cmd, out)
}

// signalContext cancels on Ctrl-C or SIGTERM. Backends run in their own
// process group and never see the terminal's signal, so cancellation is how
// they get killed.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// reconstructInTask resolves the mode before creating any output directory.
// The returned Result is always set.
func reconstructInTask(ctx context.Context, orch *reconstruct.Orchestrator, store *tasks.Store, task tasks.Task, imagePath string) pipelineOutput {
	out := pipelineOutput{TaskID: task.ID, Stage: "reconstruction", Mode: reconstructMode}

	mode, err := orch.ResolveMode(reconstructMode)
	if err != nil {
		res := reconstruct.Failed(reconstruct.ErrorConfiguration, err.Error())
		out.Result = &res
		return out
	}
	out.Mode = mode

	outputDir, err := store.OutputDir(task.ID, mode)
	if err != nil {
		res := reconstruct.Failed(reconstruct.ErrorConfiguration, err.Error())
		out.Result = &res
		return out
	}

	res := orch.Reconstruct(ctx, imagePath, outputDir, mode)
	out.Result = &res
	return out
}

func finish(cmd *cobra.Command, out pipelineOutput) error {
	if out.Result != nil && out.Result.Success {
		out.Stage = "completed"
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if out.Result != nil && !out.Result.Success {
		return fmt.Errorf("reconstruction failed: %s", out.Result.ErrorKind)
	}
	return nil
}

// stageImage copies src into a fresh task directory.
func stageImage(src string) (*tasks.Store, tasks.Task, string, error) {
	store, err := tasks.NewStore(cfg.WorkspaceDir)
	if err != nil {
		return nil, tasks.Task{}, "", err
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, tasks.Task{}, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	task, err := store.Create()
	if err != nil {
		return nil, tasks.Task{}, "", err
	}
	path, err := store.SaveUpload(task, filepath.Base(src), f, 0)
	if err != nil {
		_ = store.Remove(task.ID)
		return nil, tasks.Task{}, "", err
	}
	logger.Debug("staged image", zap.String("task_id", task.ID), zap.String("path", path))
	return store, task, path, nil
}

// cleanupTask removes the task directory unless it holds a finished mesh or
// --keep was given.
func cleanupTask(store *tasks.Store, task tasks.Task, succeeded bool) {
	if keepTask || succeeded {
		return
	}
	if err := store.Remove(task.ID); err != nil {
		logger.Warn("cleanup failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
