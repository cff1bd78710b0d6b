package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
)

// HTTPHub sends clearing requests as JSON. Pointed at the clearing hub it usually
// gets an acknowledgement only; pointed at a counterpart bank's
// /clearing/requests endpoint it gets the issuer's answer in the response body.
type HTTPHub struct {
	endpoint string
	http     *http.Client
}

func NewHTTPHub(endpoint string, hc *http.Client) *HTTPHub {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPHub{endpoint: strings.TrimRight(endpoint, "/"), http: hc}
}

// hubEndpoint picks the clearing hub when configured and the counterpart bank otherwise.
func hubEndpoint(cfg *Config) string {
	if cfg.ClearingHubURL != "" {
		return strings.TrimRight(cfg.ClearingHubURL, "/") + "/requests"
	}
	if cfg.CounterpartBankURL != "" {
		return strings.TrimRight(cfg.CounterpartBankURL, "/") + "/clearing/requests"
	}
	return ""
}

func (h *HTTPHub) Send(ctx context.Context, req models.ClearingRequest) (*models.ClearingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding clearing request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building clearing request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRemoteClearing, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", models.ErrRemoteClearing, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: status=%d body=%s", models.ErrRemoteClearing, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(bytes.TrimSpace(data)) == 0 || resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var out models.ClearingResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", models.ErrRemoteClearing, err)
	}
	if out.PaymentID == "" {
		return nil, nil
	}
	if out.PaymentID != req.PaymentID || !out.Status.Valid() {
		return nil, fmt.Errorf("%w: response does not match payment %s", models.ErrRemoteClearing, req.PaymentID)
	}
	return &out, nil
}
