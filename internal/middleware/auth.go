package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/audit"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
	"github.com/tunebeat/stream-server-go/internal/util"
)

type contextKey string

const ListenerContextKey contextKey = "listener"

func GetListener(ctx context.Context) *model.Listener {
	if listener, ok := ctx.Value(ListenerContextKey).(*model.Listener); ok {
		return listener
	}
	return nil
}

type AuthMiddleware struct {
	listenerRepo repository.ListenerRepository
}

func NewAuthMiddleware(listenerRepo repository.ListenerRepository) *AuthMiddleware {
	return &AuthMiddleware{listenerRepo: listenerRepo}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		tokenHash := util.HashToken(token)
		listener, err := m.listenerRepo.FindByTokenHash(r.Context(), tokenHash)
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}

		if listener == nil {
			audit.Log(r.Context(), audit.Event{Type: audit.EventAuthFailure})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), ListenerContextKey, listener)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
