// Package executor contains the client for the external implementation
// executor: the service that performs the actual AI-driven ticket work. The
// dispatcher only cares about the structured outcome per ticket.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgeloop/dispatch-api/internal/coordinator"
)

// executeRequest is the wire payload sent per ticket.
type executeRequest struct {
	TicketID       int64  `json:"ticket_id"`
	ProjectID      int64  `json:"project_id"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

// executeResponse is the executor's structured outcome.
type executeResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HTTPExecutor calls the implementation executor over HTTP. Transport-level
// failures surface as StatusError so the coordinator aborts the remainder of
// the batch; only the executor itself reports domain failures.
type HTTPExecutor struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPExecutor creates an HTTPExecutor. A zero timeout leaves the
// invocation unbounded; the executor limits its own runtime.
func NewHTTPExecutor(url string, timeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "http_executor"),
	}
}

// Run sends the ticket to the executor and maps its answer to a Result.
func (e *HTTPExecutor) Run(ctx context.Context, ticketID, projectID int64, conversationID *int64) coordinator.Result {
	log := e.logger.With("ticket_id", ticketID, "project_id", projectID)

	payload, err := json.Marshal(executeRequest{
		TicketID:       ticketID,
		ProjectID:      projectID,
		ConversationID: conversationID,
	})
	if err != nil {
		return coordinator.Errorf("failed to encode executor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return coordinator.Errorf("failed to build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		log.Error("executor request failed", "error", err)
		return coordinator.Errorf("executor request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.Error("executor returned unexpected status",
			"status_code", resp.StatusCode)
		return coordinator.Errorf("executor returned status %d", resp.StatusCode)
	}

	var body executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Error("failed to decode executor response", "error", err)
		return coordinator.Errorf("failed to decode executor response: %w", err)
	}

	switch coordinator.ExecStatus(body.Status) {
	case coordinator.StatusSuccess:
		return coordinator.Result{Status: coordinator.StatusSuccess, Detail: body.Detail}
	case coordinator.StatusFailed:
		return coordinator.Result{Status: coordinator.StatusFailed, Detail: body.Detail}
	case coordinator.StatusError:
		result := coordinator.Errorf("executor reported error: %s", body.Detail)
		return result
	default:
		return coordinator.Errorf("executor returned unknown status %q", body.Status)
	}
}

var _ coordinator.Executor = (*HTTPExecutor)(nil)

// String describes the executor target for startup logs.
func (e *HTTPExecutor) String() string {
	return fmt.Sprintf("http executor at %s", e.url)
}
