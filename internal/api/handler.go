package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sheetgate/sheetgate/internal/export"
	"github.com/sheetgate/sheetgate/internal/exporter"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	svc *exporter.Service
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(svc *exporter.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/exports", h.CreateExport)
	mux.HandleFunc("GET /api/v1/exports", h.ListExports)
	mux.HandleFunc("GET /api/v1/exports/{id}", h.GetExport)
	mux.HandleFunc("DELETE /api/v1/exports/{id}", h.DeleteExport)
	mux.HandleFunc("GET /api/v1/exports/{id}/batches", h.ListBatches)
	mux.HandleFunc("POST /api/v1/exports/{id}/retry", h.RetryExport)
	mux.HandleFunc("POST /api/v1/exports/{id}/cancel", h.CancelExport)
	mux.HandleFunc("GET /api/v1/exports/{id}/download", h.Download)
	mux.HandleFunc("GET /api/v1/exports/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateExport handles POST /api/v1/exports and responds 202 with the job id
// and its initial counts. An empty body requests a default export.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req export.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := h.svc.CreateJob(r.Context(), req)
	if err != nil {
		if errors.Is(err, exporter.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "export queue is full, retry later")
			return
		}
		slog.Error("api: create export", "error", err, "request_id", RequestIDFrom(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to create export")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":        j.ID,
		"status":        j.Status,
		"total_batches": j.TotalBatches,
		"total_records": j.TotalRecords,
	})
}

// ListExports handles GET /api/v1/exports and responds 200 with a paginated list of jobs.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.svc.Jobs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list exports")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*export.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

type statusResponse struct {
	*export.Job
	Description string        `json:"description"`
	Progress    float64       `json:"progress"`
	Batches     export.Counts `json:"batches"`
	Completed   bool          `json:"completed"`
	DownloadURL string        `json:"download_url,omitempty"`
}

// GetExport handles GET /api/v1/exports/{id} and responds 200 with the job's
// status, progress and download availability.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	counts, err := h.svc.Counts(r.Context(), j.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count batches")
		return
	}

	resp := statusResponse{
		Job:         j,
		Description: export.Describe(j.Status),
		Batches:     counts,
		Completed:   j.Status.IsTerminal(),
	}
	if j.TotalBatches > 0 {
		resp.Progress = float64(j.ProcessedBatches) * 100 / float64(j.TotalBatches)
	}
	if j.ResultPath != "" {
		resp.DownloadURL = exporter.DownloadURL(j.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteExport handles DELETE /api/v1/exports/{id}. Only finished exports
// can be deleted.
func (h *Handler) DeleteExport(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, exporter.ErrActive) {
			writeError(w, http.StatusConflict, "export is still running")
			return
		}
		h.writeServiceError(w, err, "failed to delete export")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBatches handles GET /api/v1/exports/{id}/batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.svc.Batches(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to list batches")
		return
	}
	if batches == nil {
		batches = []*export.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// RetryExport handles POST /api/v1/exports/{id}/retry and responds 202. The
// retry round runs in the background.
func (h *Handler) RetryExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.RetryAsync(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "failed to retry export")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "retrying"})
}

// CancelExport handles POST /api/v1/exports/{id}/cancel.
func (h *Handler) CancelExport(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, exporter.ErrTerminal) {
			writeError(w, http.StatusConflict, "export already in terminal state")
			return
		}
		h.writeServiceError(w, err, "failed to cancel export")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": j.ID, "status": j.Status})
}

// Download handles GET /api/v1/exports/{id}/download and streams the
// combined artifact as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if j.ResultPath == "" {
		writeError(w, http.StatusNotFound, "export has no downloadable file")
		return
	}

	f, err := os.Open(j.ResultPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "export file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to open export file")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open export file")
		return
	}

	ext := filepath.Ext(j.ResultPath)
	contentType := "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	if ext == ".zip" {
		contentType = "application/zip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="export_%s%s"`, j.ID, ext))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// Health handles GET /api/v1/health and responds 200 with worker pool usage.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": h.svc.QueueDepth(),
		"in_flight":   h.svc.InFlight(),
	})
}

// loadJob fetches the job named by the {id} path value, writing a 404 or 500
// itself when it cannot.
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*export.Job, bool) {
	j, err := h.svc.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to get export")
		return nil, false
	}
	return j, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, export.ErrNotFound) {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	slog.Error("api: "+msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
