package source

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"auditrelay/internal/middleware"
	"auditrelay/internal/vault"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Type        string `json:"type"`
	Credentials struct {
		ClientEmail string   `json:"client_email"`
		PrivateKey  string   `json:"private_key"`
		Scopes      []string `json:"scopes"`
		Subject     string   `json:"subject"`
	} `json:"credentials"`
	FetchIntervalSeconds int    `json:"fetch_interval_seconds"`
	CallbackURL          string `json:"callback_url"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	src := &Source{
		Type: req.Type,
		Credentials: Credentials{
			ClientEmail: req.Credentials.ClientEmail,
			PrivateKey:  req.Credentials.PrivateKey,
			Scopes:      req.Credentials.Scopes,
			Subject:     req.Credentials.Subject,
		},
		FetchIntervalSeconds: req.FetchIntervalSeconds,
		CallbackURL:          req.CallbackURL,
	}
	if err := h.service.Create(r.Context(), src); err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedType),
			errors.Is(err, ErrInvalidInterval),
			errors.Is(err, ErrInvalidCallbackURL),
			errors.Is(err, ErrMissingCredentials),
			errors.Is(err, vault.ErrSecretTooLong):
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		default:
			slog.ErrorContext(r.Context(), "operation failed", "error", err, "type", req.Type)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": src}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.service.List(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	// Ensure we return [] instead of null for empty list
	if sources == nil {
		sources = []Source{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": sources,
		"meta": map[string]int{"count": len(sources)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	src, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(r.Context(), w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": src}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeLookupError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Sync(r.Context(), id); err != nil {
		h.writeLookupError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// pathID returns the {id} path value. Source ids are UUIDs, so anything else
// cannot name a source.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		h.writeError(r.Context(), w, "NOT_FOUND", "Source not found", http.StatusNotFound)
		return "", false
	}
	return id, true
}

func (h *Handler) writeLookupError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		h.writeError(ctx, w, "NOT_FOUND", "Source not found", http.StatusNotFound)
		return
	}
	h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
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
