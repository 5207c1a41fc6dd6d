// Package api provides HTTP handlers for the dispatch API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/forgeloop/dispatch-api/internal/api/shared"
	"github.com/forgeloop/dispatch-api/internal/dispatch"
	"github.com/forgeloop/dispatch-api/internal/platform/logger"
)

// EnqueueRequest is the payload for queueing a batch of tickets.
type EnqueueRequest struct {
	ProjectID      int64   `json:"project_id"      validate:"required,gt=0"`
	TicketIDs      []int64 `json:"ticket_ids"      validate:"required,min=1,unique"`
	ConversationID *int64  `json:"conversation_id" validate:"omitempty,gt=0"`
}

// EnqueueResponse reports the outcome of an enqueue request.
type EnqueueResponse struct {
	TaskID uuid.UUID `json:"task_id"`
	Queued bool      `json:"queued"`
}

// RemoveResponse reports whether a ticket was found and removed.
type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// DispatchHandler handles the dispatch API's HTTP requests.
type DispatchHandler struct {
	service   dispatch.Service
	validator *validator.Validate
	logger    *slog.Logger
}

// NewDispatchHandler creates a new DispatchHandler.
func NewDispatchHandler(service dispatch.Service, log *slog.Logger) *DispatchHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for DispatchHandler")
	}

	return &DispatchHandler{
		service:   service,
		validator: validator.New(),
		logger:    log.With(slog.String("component", "dispatch_handler")),
	}
}

// Routes mounts the dispatch endpoints on the given router.
func (h *DispatchHandler) Routes(r chi.Router) {
	r.Post("/queue/batches", h.Enqueue)
	r.Get("/queue/status", h.Status)
	r.Get("/queue/projects/{projectID}", h.QueueInfo)
	r.Delete("/queue/projects/{projectID}/tickets/{ticketID}", h.Remove)
	r.Post("/queue/projects/{projectID}/tickets/{ticketID}/force-reset", h.ForceReset)
}

// Enqueue handles POST /queue/batches requests. A batch the store could not
// durably accept is reported with queued=false rather than an error status;
// the caller decides whether to retry.
func (h *DispatchHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debug("failed to decode enqueue request", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		log.Debug("invalid enqueue request", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request: project_id and unique ticket_ids are required")
		return
	}

	taskID, queued := h.service.Enqueue(r.Context(), req.ProjectID, req.TicketIDs, req.ConversationID)

	status := http.StatusAccepted
	if !queued {
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, EnqueueResponse{
		TaskID: taskID,
		Queued: queued,
	})
}

// Remove handles DELETE /queue/projects/{projectID}/tickets/{ticketID}.
func (h *DispatchHandler) Remove(w http.ResponseWriter, r *http.Request) {
	projectID, ticketID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	removed := h.service.Remove(r.Context(), projectID, ticketID)
	shared.RespondWithJSON(w, r, http.StatusOK, RemoveResponse{Removed: removed})
}

// ForceReset handles POST /queue/projects/{projectID}/tickets/{ticketID}/force-reset.
// It always answers 200 with a per-step result; the operation itself never
// fails as a whole.
func (h *DispatchHandler) ForceReset(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	projectID, ticketID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	log.Warn("force reset requested via API",
		slog.Int64("project_id", projectID),
		slog.Int64("ticket_id", ticketID))

	result := h.service.ForceReset(r.Context(), projectID, ticketID)
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// QueueInfo handles GET /queue/projects/{projectID}.
func (h *DispatchHandler) QueueInfo(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return
	}

	info := h.service.QueueInfo(r.Context(), projectID)
	shared.RespondWithJSON(w, r, http.StatusOK, info)
}

// Status handles GET /queue/status.
func (h *DispatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.service.ExecutorStatus(r.Context())
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// pathID parses one positive int64 URL parameter.
func (h *DispatchHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

// pathIDs parses the {projectID}/{ticketID} parameter pair.
func (h *DispatchHandler) pathIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	projectID, ok := h.pathID(w, r, "projectID")
	if !ok {
		return 0, 0, false
	}
	ticketID, ok := h.pathID(w, r, "ticketID")
	if !ok {
		return 0, 0, false
	}
	return projectID, ticketID, true
}
