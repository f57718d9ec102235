package api

import (
	"context"
	"net/http"
	"strings"

	"strade-go/internal/auth"
)

type ctxKey int

const (
	accountKey ctxKey = iota
	tokenKey
)

// authenticate rejects requests without a valid bearer token and stores the
// caller's account in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, auth.ErrUnauthenticated)
			return
		}
		claims, err := s.deps.Verifier.Verify(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), accountKey, claims.AccountID)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFrom(ctx context.Context) uint {
	id, _ := ctx.Value(accountKey).(uint)
	return id
}

func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}
