package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/task"
	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a remote agent's reply is read.
const maxResponseBytes = 1 << 20

// ErrRemoteStatus is returned when a remote agent answers with a non-2xx code.
var ErrRemoteStatus = errors.New("remote agent returned error status")

// RemoteHandler forwards a task to an agent service as
// POST <url> {session_id, step_id, intent, context}; any 2xx JSON body is the
// payload.
type RemoteHandler struct {
	kind   task.Type
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewRemoteHandler creates a remote handler.
func NewRemoteHandler(kind task.Type, url string, timeout time.Duration, logger *zap.Logger) (*RemoteHandler, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownType, kind)
	}
	if url == "" {
		return nil, fmt.Errorf("url is required for remote %s handler", kind)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteHandler{
		kind:   kind,
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Handle implements task.Handler.
func (h *RemoteHandler) Handle(ctx context.Context, req task.Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s agent request failed: %w", h.kind, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s agent response: %w", h.kind, err)
	}

	h.logger.Debug("remote agent responded",
		zap.String("type", string(h.kind)),
		zap.String("step_id", req.StepID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s agent (%d): %s", ErrRemoteStatus, h.kind, resp.StatusCode, truncate(respBody, 200))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("%s agent returned invalid JSON", h.kind)
	}
	return json.RawMessage(respBody), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
