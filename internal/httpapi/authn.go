package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/auth/register",
	"/auth/login",
	"/auth/token/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
}
var publicPrefixes = []string{
	"/media/",
}

// withAuth resolves the bearer token into an identity for every non-public
// path.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="civicpulse"`)
			respondError(w, r, apperr.Wrap(apperr.CodeUnauthenticated, err.Error(), err))
			return
		}

		id, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="civicpulse", error="invalid_token"`)
			if errors.Is(err, auth.ErrInvalidToken) {
				respondError(w, r, apperr.Wrap(apperr.CodeUnauthenticated, "invalid or expired token", err))
				return
			}
			respondError(w, r, err)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers whose identity does not hold role.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="civicpulse"`)
				respondError(w, r, apperr.ErrUnauthenticated)
				return
			}
			if id.Role != role {
				w.Header().Set("WWW-Authenticate", `Bearer realm="civicpulse", error="insufficient_scope"`)
				respondError(w, r, apperr.Newf(apperr.CodeForbidden, "%s role required", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorFrom returns the authenticated actor. Handlers behind withAuth always
// have one.
func actorFrom(r *http.Request) (complaint.Actor, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return complaint.Actor{}, false
	}
	return complaint.ActorFromIdentity(id), true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
