// Package channel talks to the off-chain payment-channel counterparty. The
// channel mirrors ledger debits for low-latency settlement on the peer's side;
// it is advisory, never authoritative. Every call here may fail without
// affecting session correctness.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/config"
	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
)

// Peer is the two-party allocation contract. One allocation per session.
type Peer interface {
	// Handshake authenticates with the counterparty once at process start,
	// independent of sessions.
	Handshake(ctx context.Context) error
	OpenAllocation(ctx context.Context, listenerID, creatorID string, amount int64) (string, error)
	// UpdateAllocation shifts the split one unit at a time as ticks land.
	// Fire-and-forget tolerant: a missed update is not fatal.
	UpdateAllocation(ctx context.Context, ref string, listenerRemaining, creatorEarned int64) error
	CloseAllocation(ctx context.Context, ref string, finalListener, finalCreator int64) error
	Configured() bool
}

// Unconfigured is the peer used when no counterparty URL is set. Every call
// returns a typed error instead of a fabricated success, so a missing
// configuration stays observable in logs and state.
type Unconfigured struct{}

func (Unconfigured) Handshake(ctx context.Context) error { return apperrors.ChannelUnconfigured() }

func (Unconfigured) OpenAllocation(ctx context.Context, listenerID, creatorID string, amount int64) (string, error) {
	return "", apperrors.ChannelUnconfigured()
}

func (Unconfigured) UpdateAllocation(ctx context.Context, ref string, listenerRemaining, creatorEarned int64) error {
	return apperrors.ChannelUnconfigured()
}

func (Unconfigured) CloseAllocation(ctx context.Context, ref string, finalListener, finalCreator int64) error {
	return apperrors.ChannelUnconfigured()
}

func (Unconfigured) Configured() bool { return false }

// HTTPPeer speaks JSON over HTTP to the counterparty.
type HTTPPeer struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPPeer(baseURL, token string) *HTTPPeer {
	return &HTTPPeer{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: config.ChannelCallTimeout,
		},
	}
}

func (p *HTTPPeer) Configured() bool { return true }

func (p *HTTPPeer) Handshake(ctx context.Context) error {
	start := time.Now()
	err := p.post(ctx, "/v1/handshake", map[string]any{}, nil)
	if err != nil {
		return apperrors.ChannelUnavailable(err)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("channel peer handshake complete")
	return nil
}

func (p *HTTPPeer) OpenAllocation(ctx context.Context, listenerID, creatorID string, amount int64) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	err := p.post(ctx, "/v1/allocations", map[string]any{
		"listenerId": listenerID,
		"creatorId":  creatorID,
		"amount":     amount,
	}, &out)
	if err != nil {
		return "", apperrors.ChannelUnavailable(err)
	}
	if out.Ref == "" {
		return "", apperrors.ChannelUnavailable(fmt.Errorf("peer returned empty allocation ref"))
	}
	return out.Ref, nil
}

func (p *HTTPPeer) UpdateAllocation(ctx context.Context, ref string, listenerRemaining, creatorEarned int64) error {
	// Tighter budget than the shared client timeout: an update must never
	// outlive the tick that triggered it.
	ctx, cancel := context.WithTimeout(ctx, config.ChannelUpdateTimeout)
	defer cancel()

	err := p.post(ctx, fmt.Sprintf("/v1/allocations/%s", ref), map[string]any{
		"listenerRemaining": listenerRemaining,
		"creatorEarned":     creatorEarned,
	}, nil)
	if err != nil {
		return apperrors.ChannelUnavailable(err)
	}
	return nil
}

func (p *HTTPPeer) CloseAllocation(ctx context.Context, ref string, finalListener, finalCreator int64) error {
	err := p.post(ctx, fmt.Sprintf("/v1/allocations/%s/close", ref), map[string]any{
		"finalListener": finalListener,
		"finalCreator":  finalCreator,
	}, nil)
	if err != nil {
		return apperrors.ChannelUnavailable(err)
	}
	return nil
}

func (p *HTTPPeer) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("peer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
