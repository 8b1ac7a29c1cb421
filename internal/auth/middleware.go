// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey int

const operatorContextKey contextKey = iota

// Middleware returns an http middleware that requires a valid "Bearer"
// token for every request and, when action is non-empty, requires the
// resolved operator's role to permit that action.
func (s *Store) Middleware(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			op, err := s.Validate(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			if action != "" && !op.Role.CanAccess(action) {
				http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext retrieves the authenticated operator a Middleware
// call placed on the request context.
func OperatorFromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(operatorContextKey).(*Operator)
	return op, ok
}
