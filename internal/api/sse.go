package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sheetgate/sheetgate/internal/export"
	"github.com/sheetgate/sheetgate/internal/exporter"
)

// StreamEvents handles GET /api/v1/exports/{id}/events.
// It streams server-sent events for the job until it reaches a terminal
// status or the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the result event and close immediately.
	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", resultEvent(j))
		return
	}

	hub := h.svc.Events()
	ch := hub.Subscribe(j.ID)
	defer hub.Unsubscribe(j.ID, ch)

	// The job may have finished before the subscription was registered.
	if latest, err := h.svc.Job(r.Context(), j.ID); err == nil && latest.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", resultEvent(latest))
		return
	}

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", map[string]any{
		"status":            j.Status,
		"processed_batches": j.ProcessedBatches,
		"total_batches":     j.TotalBatches,
	})

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func resultEvent(j *export.Job) map[string]any {
	ev := map[string]any{
		"job_id":            j.ID,
		"status":            j.Status,
		"processed_batches": j.ProcessedBatches,
		"total_batches":     j.TotalBatches,
	}
	if j.ResultPath != "" {
		ev["download_url"] = exporter.DownloadURL(j.ID)
	}
	return ev
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
