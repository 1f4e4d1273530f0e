package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"meshgate/internal/gate"
	"meshgate/internal/reconstruct"
	"meshgate/internal/tasks"
)

const uploadField = "image"

type errorResponse struct {
	Error string `json:"error"`
}

type filterResponse struct {
	TaskID       string           `json:"task_id"`
	FilterResult gate.GateVerdict `json:"filter_result"`
}

type pipelineResponse struct {
	TaskID       string                `json:"task_id"`
	Stage        string                `json:"stage"`
	Model        string                `json:"model,omitempty"`
	FilterResult *gate.GateVerdict     `json:"filter_result,omitempty"`
	MeshPath     string                `json:"mesh_path,omitempty"`
	ErrorKind    reconstruct.ErrorKind `json:"error_kind,omitempty"`
	Error        string                `json:"reconstruction_error,omitempty"`
	Message      string                `json:"message,omitempty"`
}

type reconstructRequest struct {
	Model string `json:"model"`
}

const (
	stageFiltering      = "filtering"
	stageReconstruction = "reconstruction"
	stageCompleted      = "completed"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	task, imagePath, ok := s.receiveUpload(w, r)
	if !ok {
		return
	}

	verdict := s.gate.Classify(r.Context(), imagePath)
	writeJSON(w, http.StatusOK, filterResponse{TaskID: task.ID, FilterResult: verdict})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	task, imagePath, ok := s.receiveUpload(w, r)
	if !ok {
		return
	}

	verdict := s.gate.Classify(r.Context(), imagePath)
	if !verdict.Accepted() {
		writeJSON(w, http.StatusOK, pipelineResponse{
			TaskID:       task.ID,
			Stage:        stageFiltering,
			FilterResult: &verdict,
			Message:      "image did not pass the content gate",
		})
		return
	}

	mode := r.FormValue("model")
	resp, status := s.reconstructTask(r, task.ID, imagePath, mode)
	resp.FilterResult = &verdict
	writeJSON(w, status, resp)
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	var req reconstructRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	imagePath, err := s.store.Image(taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	resp, status := s.reconstructTask(r, taskID, imagePath, req.Model)
	writeJSON(w, status, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	path, err := s.store.FindArtifact(taskID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no mesh for this task yet")
			return
		}
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelineResponse{TaskID: taskID, Stage: stageCompleted, MeshPath: path})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(r.PathValue("task_id")); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cleaned up"})
}

// reconstructTask waits for a backend slot and runs one reconstruction.
func (s *Server) reconstructTask(r *http.Request, taskID, imagePath, mode string) (pipelineResponse, int) {
	resp := pipelineResponse{TaskID: taskID, Stage: stageReconstruction}

	resolved, err := s.orch.ResolveMode(mode)
	if err != nil {
		resp.ErrorKind = reconstruct.ErrorConfiguration
		resp.Error = err.Error()
		return resp, http.StatusBadRequest
	}
	mode = resolved
	resp.Model = mode

	outputDir, err := s.store.OutputDir(taskID, mode)
	if err != nil {
		resp.ErrorKind = reconstruct.ErrorConfiguration
		resp.Error = err.Error()
		return resp, http.StatusBadRequest
	}

	ctx := r.Context()
	if err := s.slots.Acquire(ctx, 1); err != nil {
		resp.Error = "request canceled while waiting for a reconstruction slot"
		return resp, http.StatusServiceUnavailable
	}
	defer s.slots.Release(1)

	if s.metrics != nil {
		defer s.metrics.TrackInFlight()()
	}

	s.logger.Info("starting reconstruction", zap.String("task_id", taskID), zap.String("mode", mode))
	res := s.orch.Reconstruct(ctx, imagePath, outputDir, mode)
	if !res.Success {
		resp.ErrorKind = res.ErrorKind
		resp.Error = res.ErrorDetail
		return resp, statusForKind(res.ErrorKind)
	}

	resp.Stage = stageCompleted
	resp.MeshPath = res.ArtifactPath
	resp.Message = "3D reconstruction completed"
	return resp, http.StatusOK
}

// receiveUpload validates the multipart upload and stores it in a new task.
// On failure it writes the response and returns ok=false.
func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request) (tasks.Task, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+(1<<20))

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		case errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, "an image file is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid multipart upload")
		}
		return tasks.Task{}, "", false
	}
	defer file.Close()

	return s.storeUpload(w, file, header)
}

func (s *Server) storeUpload(w http.ResponseWriter, file multipart.File, header *multipart.FileHeader) (tasks.Task, string, bool) {
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "no file selected")
		return tasks.Task{}, "", false
	}
	if !tasks.AllowedFile(header.Filename) {
		writeError(w, http.StatusBadRequest, "unsupported file format")
		return tasks.Task{}, "", false
	}

	task, err := s.store.Create()
	if err != nil {
		s.logger.Error("create task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create task")
		return tasks.Task{}, "", false
	}

	path, err := s.store.SaveUpload(task, header.Filename, file, s.maxUpload)
	if err != nil {
		_ = s.store.Remove(task.ID)
		if errors.Is(err, tasks.ErrUploadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		} else {
			s.logger.Error("save upload failed", zap.String("task_id", task.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not store upload")
		}
		return tasks.Task{}, "", false
	}
	return task, path, true
}

func statusForKind(kind reconstruct.ErrorKind) int {
	switch kind {
	case reconstruct.ErrorConfiguration:
		return http.StatusBadRequest
	case reconstruct.ErrorTimeout:
		return http.StatusGatewayTimeout
	case reconstruct.ErrorAuthRequired:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrInvalidTaskID):
		writeError(w, http.StatusBadRequest, "invalid task id")
	case errors.Is(err, tasks.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, tasks.ErrNoImage):
		writeError(w, http.StatusNotFound, "no image in task")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
