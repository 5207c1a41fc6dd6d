package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/dispatch-api/internal/api"
	"github.com/forgeloop/dispatch-api/internal/dispatch"
)

// stubService is a canned-response dispatch.Service recording its inputs.
type stubService struct {
	enqueueTaskID uuid.UUID
	enqueueOK     bool
	removeOK      bool
	resetResult   dispatch.ForceResetResult
	queueInfo     dispatch.QueueInfo
	status        dispatch.ExecutorStatus

	gotProjectID int64
	gotTicketIDs []int64
	gotTicketID  int64
}

func (s *stubService) Enqueue(_ context.Context, projectID int64, ticketIDs []int64, _ *int64) (uuid.UUID, bool) {
	s.gotProjectID = projectID
	s.gotTicketIDs = ticketIDs
	return s.enqueueTaskID, s.enqueueOK
}

func (s *stubService) Remove(_ context.Context, projectID, ticketID int64) bool {
	s.gotProjectID = projectID
	s.gotTicketID = ticketID
	return s.removeOK
}

func (s *stubService) ForceReset(_ context.Context, projectID, ticketID int64) dispatch.ForceResetResult {
	s.gotProjectID = projectID
	s.gotTicketID = ticketID
	return s.resetResult
}

func (s *stubService) QueueInfo(_ context.Context, projectID int64) dispatch.QueueInfo {
	s.gotProjectID = projectID
	return s.queueInfo
}

func (s *stubService) ExecutorStatus(_ context.Context) dispatch.ExecutorStatus {
	return s.status
}

func newTestRouter(service dispatch.Service) http.Handler {
	handler := api.NewDispatchHandler(service, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Route("/api", handler.Routes)
	return r
}

func TestEnqueueEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("accepts a valid batch", func(t *testing.T) {
		t.Parallel()

		service := &stubService{enqueueTaskID: uuid.New(), enqueueOK: true}
		router := newTestRouter(service)

		body := bytes.NewBufferString(`{"project_id": 42, "ticket_ids": [1, 2, 3]}`)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/queue/batches", body))

		assert.Equal(t, http.StatusAccepted, w.Code)

		var resp api.EnqueueResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, service.enqueueTaskID, resp.TaskID)
		assert.True(t, resp.Queued)
		assert.Equal(t, int64(42), service.gotProjectID)
		assert.Equal(t, []int64{1, 2, 3}, service.gotTicketIDs)
	})

	t.Run("reports store unavailability as 503", func(t *testing.T) {
		t.Parallel()

		service := &stubService{enqueueOK: false}
		router := newTestRouter(service)

		body := bytes.NewBufferString(`{"project_id": 42, "ticket_ids": [1]}`)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/queue/batches", body))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp api.EnqueueResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Queued)
	})

	t.Run("rejects malformed and invalid bodies", func(t *testing.T) {
		t.Parallel()

		router := newTestRouter(&stubService{})

		for _, body := range []string{
			`{not json`,
			`{"project_id": 0, "ticket_ids": [1]}`,
			`{"project_id": 42, "ticket_ids": []}`,
			`{"project_id": 42, "ticket_ids": [1, 1]}`,
		} {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(
				http.MethodPost, "/api/queue/batches", bytes.NewBufferString(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
		}
	})
}

func TestRemoveEndpoint(t *testing.T) {
	t.Parallel()

	service := &stubService{removeOK: true}
	router := newTestRouter(service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(
		http.MethodDelete, "/api/queue/projects/42/tickets/7", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp api.RemoveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Removed)
	assert.Equal(t, int64(42), service.gotProjectID)
	assert.Equal(t, int64(7), service.gotTicketID)
}

func TestRemoveEndpoint_InvalidIDs(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&stubService{})

	for _, path := range []string{
		"/api/queue/projects/abc/tickets/7",
		"/api/queue/projects/42/tickets/xyz",
		"/api/queue/projects/-1/tickets/7",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, "path: %s", path)
	}
}

func TestForceResetEndpoint(t *testing.T) {
	t.Parallel()

	service := &stubService{resetResult: dispatch.ForceResetResult{
		CancellationFlagSet: true,
		DBStatusReset:       true,
		LockReleased:        true,
	}}
	router := newTestRouter(service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(
		http.MethodPost, "/api/queue/projects/42/tickets/7/force-reset", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dispatch.ForceResetResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.CancellationFlagSet)
	assert.True(t, resp.LockReleased)
}

func TestQueueInfoEndpoint(t *testing.T) {
	t.Parallel()

	position := 2
	service := &stubService{queueInfo: dispatch.QueueInfo{
		IsExecuting:     false,
		QueuedTicketIDs: []int64{5, 6},
		QueuePosition:   &position,
	}}
	router := newTestRouter(service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/queue/projects/42", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dispatch.QueueInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []int64{5, 6}, resp.QueuedTicketIDs)
	require.NotNil(t, resp.QueuePosition)
	assert.Equal(t, 2, *resp.QueuePosition)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	service := &stubService{status: dispatch.ExecutorStatus{
		QueueLength:        3,
		TotalQueuedTickets: 9,
		ExecutingProjects:  []int64{1, 2},
	}}
	router := newTestRouter(service)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/queue/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dispatch.ExecutorStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.QueueLength)
	assert.Equal(t, []int64{1, 2}, resp.ExecutingProjects)
}
