package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
)

func TestUnconfigured(t *testing.T) {
	peer := Unconfigured{}
	ctx := context.Background()

	t.Run("every call returns the unconfigured code", func(t *testing.T) {
		_, err := peer.OpenAllocation(ctx, "l1", "c1", 10)
		assert.Equal(t, apperrors.ErrCodeChannelUnconfigured, apperrors.GetCode(err))

		err = peer.UpdateAllocation(ctx, "ref", 9, 1)
		assert.Equal(t, apperrors.ErrCodeChannelUnconfigured, apperrors.GetCode(err))

		err = peer.CloseAllocation(ctx, "ref", 5, 5)
		assert.Equal(t, apperrors.ErrCodeChannelUnconfigured, apperrors.GetCode(err))
	})

	t.Run("never reports success-shaped responses", func(t *testing.T) {
		ref, err := peer.OpenAllocation(ctx, "l1", "c1", 10)
		assert.Empty(t, ref)
		assert.Error(t, err)
	})

	t.Run("reports not configured", func(t *testing.T) {
		assert.False(t, peer.Configured())
	})
}

func TestHTTPPeer(t *testing.T) {
	t.Run("open returns allocation ref", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/allocations", r.URL.Path)
			assert.Equal(t, "Bearer peer-token", r.Header.Get("Authorization"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "l1", body["listenerId"])

			json.NewEncoder(w).Encode(map[string]string{"ref": "alloc-42"})
		}))
		defer server.Close()

		peer := NewHTTPPeer(server.URL, "peer-token")
		ref, err := peer.OpenAllocation(context.Background(), "l1", "c1", 10)
		require.NoError(t, err)
		assert.Equal(t, "alloc-42", ref)
	})

	t.Run("open without ref is unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{})
		}))
		defer server.Close()

		peer := NewHTTPPeer(server.URL, "")
		_, err := peer.OpenAllocation(context.Background(), "l1", "c1", 10)
		assert.Equal(t, apperrors.ErrCodeChannelUnavailable, apperrors.GetCode(err))
	})

	t.Run("update maps peer errors to unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		peer := NewHTTPPeer(server.URL, "")
		err := peer.UpdateAllocation(context.Background(), "alloc-42", 4, 1)
		assert.Equal(t, apperrors.ErrCodeChannelUnavailable, apperrors.GetCode(err))
	})

	t.Run("unreachable peer is unavailable not fatal", func(t *testing.T) {
		peer := NewHTTPPeer("http://127.0.0.1:1", "")
		err := peer.CloseAllocation(context.Background(), "alloc-42", 0, 5)
		assert.Equal(t, apperrors.ErrCodeChannelUnavailable, apperrors.GetCode(err))
	})
}
