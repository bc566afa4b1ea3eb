package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// HTTPGateway talks JSON to an external credit service
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

type reserveRequest struct {
	TenantID string `json:"tenant_id"`
	RunID    string `json:"run_id"`
	Estimate int64  `json:"estimate"`
}

type reserveResponse struct {
	ReservationID string `json:"reservation_id"`
}

type settleRequest struct {
	RunID       string `json:"run_id"`
	ActualUsage int64  `json:"actual_usage"`
}

type releaseRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// NewHTTPGateway creates a gateway for the credit service at baseURL
func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Reserve calls POST /reservations; 402 means insufficient credits
func (g *HTTPGateway) Reserve(ctx context.Context, tenantID, runID string, estimate int64) (string, error) {
	var resp reserveResponse
	err := g.post(ctx, "/reservations", reserveRequest{TenantID: tenantID, RunID: runID, Estimate: estimate}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ReservationID, nil
}

// Settle calls POST /settlements
func (g *HTTPGateway) Settle(ctx context.Context, runID string, actualUsage int64) (Settlement, error) {
	var s Settlement
	err := g.post(ctx, "/settlements", settleRequest{RunID: runID, ActualUsage: actualUsage}, &s)
	return s, err
}

// Release calls POST /releases
func (g *HTTPGateway) Release(ctx context.Context, runID, reason string) error {
	return g.post(ctx, "/releases", releaseRequest{RunID: runID, Reason: reason}, nil)
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("billing %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Errorf(domain.ErrInsufficientCredits, domain.EntityRun, "%s", strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("billing %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding billing %s response: %w", path, err)
	}
	return nil
}
