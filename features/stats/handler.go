package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"auditrelay/features/job"
	"auditrelay/internal/middleware"
)

type SourceCounter interface {
	Count(ctx context.Context) (int, error)
}

type JobCounter interface {
	CountByState(ctx context.Context) (map[job.State]int, error)
}

type Handler struct {
	sources SourceCounter
	jobs    JobCounter
}

func NewHandler(s SourceCounter, j JobCounter) *Handler {
	return &Handler{sources: s, jobs: j}
}

type StatsResponse struct {
	Sources      int               `json:"sources"`
	Jobs         map[job.State]int `json:"jobs"`
	DeadLettered int               `json:"dead_lettered"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.DebugContext(ctx, "getting stats", "correlationId", correlationID)

	sCount, err := h.sources.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count sources", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count sources", http.StatusInternalServerError)
		return
	}

	counts, err := h.jobs.CountByState(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	// Every state is reported, zero or not.
	jobs := make(map[job.State]int, len(job.States))
	for _, st := range job.States {
		jobs[st] = counts[st]
	}

	resp := StatsResponse{
		Sources:      sCount,
		Jobs:         jobs,
		DeadLettered: jobs[job.StateDeadLettered],
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
