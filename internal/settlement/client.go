package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tunebeat/stream-server-go/internal/config"
	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
)

// Executor moves value from listener to creator on the custodial service.
// The service deduplicates on the idempotency key, so retrying a transient
// failure cannot double-settle.
type Executor interface {
	Execute(ctx context.Context, payer, payee string, amount int64, idempotencyKey string) (string, error)
}

type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: config.SettlementTimeout,
		},
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, payer, payee string, amount int64, idempotencyKey string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"payer":  payer,
		"payee":  payee,
		"amount": amount,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := e.client.Do(req)
	if err != nil {
		// Network failures are indistinguishable from a slow service: retry.
		return "", apperrors.SettlementTransient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.SettlementTransient(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			TxRef string `json:"txRef"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return "", apperrors.SettlementTransient(fmt.Errorf("decode response: %w", err))
		}
		if out.TxRef == "" {
			return "", apperrors.SettlementRejected("settlement service returned no transaction reference")
		}
		return out.TxRef, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", apperrors.SettlementTransient(fmt.Errorf("settlement service returned status %d", resp.StatusCode))

	default:
		// 4xx is a definitive rejection: the custodial service refused the
		// transfer. Should not happen given the ledger debit invariant, but
		// handled rather than guessed-resolved.
		return "", apperrors.SettlementRejected(fmt.Sprintf("status %d: %s", resp.StatusCode, string(data)))
	}
}
