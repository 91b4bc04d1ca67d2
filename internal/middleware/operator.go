package middleware

import (
	"net/http"

	"github.com/tunebeat/stream-server-go/internal/audit"
	"github.com/tunebeat/stream-server-go/internal/util"
)

// OperatorMiddleware guards the operator surface (manual credits, dispute
// queue) with a bcrypt-checked shared password. With no hash configured the
// surface is disabled outright.
type OperatorMiddleware struct {
	passwordHash string
}

func NewOperatorMiddleware(passwordHash string) *OperatorMiddleware {
	return &OperatorMiddleware{passwordHash: passwordHash}
}

func (m *OperatorMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.passwordHash == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "Operator endpoints disabled",
			})
			return
		}

		password := r.Header.Get("X-Operator-Password")
		if password == "" || !util.CheckPasswordHash(password, m.passwordHash) {
			audit.Log(r.Context(), audit.Event{Type: audit.EventAuthFailure})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid operator credentials",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
