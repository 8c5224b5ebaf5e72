package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/solhaug/previewd/internal/service/auth"
)

type authContextKey string

const contextKeyAuth authContextKey = "previewd-credential"

type contextSetter interface {
	SetContext(context.Context)
}

// extractCredential normalizes the two accepted credential carriers into a
// single value: the x-api-key header wins, otherwise the basic-auth
// password counts regardless of username. Empty when neither is present.
func extractCredential(req *http.Request) string {
	if key := strings.TrimSpace(req.Header.Get("x-api-key")); key != "" {
		return key
	}
	if _, password, ok := req.BasicAuth(); ok {
		return strings.TrimSpace(password)
	}
	return ""
}

// requireAuth validates the caller's credential before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth checks the credential against the auth service and enriches
// the context with it. Downstream handlers reuse the same credential for
// their own platform calls, so every request runs on behalf of its caller.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, string, bool) {
	credential := extractCredential(req)
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "credential required: x-api-key header or basic auth password")
		return req.Context(), "", false
	}
	if err := r.auth.Authorize(req.Context(), credential); err != nil {
		if errors.Is(err, auth.ErrUnavailable) {
			r.logger.Warn("credential validation unavailable", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusServiceUnavailable, "credential validation unavailable")
			return req.Context(), "", false
		}
		r.logger.Warn("credential rejected", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid credential")
		return req.Context(), "", false
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, credential)
	return ctx, credential, true
}

// credentialFromContext extracts the authorized credential from context.
func credentialFromContext(ctx context.Context) (string, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return "", false
	}
	credential, ok := value.(string)
	return credential, ok && credential != ""
}
