// ABOUTME: Fire-and-forget client for the external REST backend's audit endpoints.
// ABOUTME: Circuit breaker keeps a dead backend from stalling or spamming the core.

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/parkops/gatehouse/internal/metrics"
)

const backendCallTimeout = 5 * time.Second

// BackendClient calls the collaborator's "close gate" and "end call" REST
// actions as a secondary audit path. Calls never block session resolution;
// failures are logged and counted, nothing more.
type BackendClient struct {
	baseURL       string
	closeGatePath string
	endCallPath   string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[any]
	logger        *slog.Logger
}

// NewBackendClient creates a client for the external backend. Paths may
// contain a %s placeholder for the gate id.
func NewBackendClient(baseURL, closeGatePath, endCallPath string, logger *slog.Logger) *BackendClient {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "ops-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &BackendClient{
		baseURL:       baseURL,
		closeGatePath: closeGatePath,
		endCallPath:   endCallPath,
		client:        &http.Client{Timeout: backendCallTimeout},
		breaker:       breaker,
		logger:        logger.With("component", "backend-client"),
	}
}

// RecordGateClose reports a successful close command to the backend.
func (b *BackendClient) RecordGateClose(gateID string) error {
	return b.post("close_gate", b.closeGatePath, gateID)
}

// RecordCallEnd reports the end of an assist call to the backend.
func (b *BackendClient) RecordCallEnd(gateID string) error {
	return b.post("end_call", b.endCallPath, gateID)
}

// post performs one backend call through the circuit breaker. The error is
// returned for callers that care; the dispatcher fires these in goroutines
// and relies on the logging here instead.
func (b *BackendClient) post(action, path, gateID string) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.doPost(path, gateID)
	})
	if err != nil {
		metrics.BackendCalls.WithLabelValues(action, "error").Inc()
		b.logger.Warn("backend call failed",
			"action", action,
			"gate_id", gateID,
			"error", err,
		)
		return err
	}
	metrics.BackendCalls.WithLabelValues(action, "ok").Inc()
	return nil
}

func (b *BackendClient) doPost(path, gateID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"gate_id": gateID})
	if err != nil {
		return fmt.Errorf("encoding body: %w", err)
	}

	endpoint := path
	if strings.Contains(endpoint, "%s") {
		endpoint = fmt.Sprintf(endpoint, url.PathEscape(gateID))
	}
	target := b.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}
