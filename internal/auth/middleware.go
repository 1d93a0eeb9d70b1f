package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ashureev/kefu-relay/internal/apperr"
)

type contextKey int

const sessionTokenKey contextKey = iota

// AgentIDFromContext extracts the authenticated agent id set by RequireAuth.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionTokenKey).(string); ok {
		return v
	}
	return ""
}

// ExtractBearerToken extracts the token from a standard Authorization
// header, grounded on Danor93's auth.ExtractBearerToken.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", apperr.New(apperr.CodeTokenInvalid, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", apperr.New(apperr.CodeTokenInvalid, "invalid authorization header format")
	}
	return parts[1], nil
}

// RequireAuth is chi-compatible middleware that validates the bearer token
// and injects the authenticated agent id into the request context.
func RequireAuth(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeAuthError(w, err)
				return
			}

			st, err := svc.Validate(r.Context(), token)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), sessionTokenKey, st.AgentID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(err, apperr.CodeTokenInvalid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode())
	_ = json.NewEncoder(w).Encode(appErr)
}
