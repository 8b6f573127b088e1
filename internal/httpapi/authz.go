package httpapi

import (
	"errors"
	"net/http"

	"ipaghazi.org/internal/auth"
)

// Credential carriers, fixed wire names. The query-parameter pair exists so
// that generated manifest links can authenticate a device installer that
// cannot set headers.
const (
	userHeader = "X-Ipaghazi-User"
	keyHeader  = "X-Ipaghazi-Key"
	userParam  = "user"
	keyParam   = "key"
)

// guard wraps a handler with the permission check. The caller's credentials
// are resolved first; every listed permission must be held before the handler
// runs, so a rejected request has no side effects. The resolved principal is
// attached to the request context for handlers that need the identity.
func (a *API) guard(next http.HandlerFunc, perms ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(userHeader)
		if name == "" {
			name = r.URL.Query().Get(userParam)
		}
		key := r.Header.Get(keyHeader)
		if key == "" {
			key = r.URL.Query().Get(keyParam)
		}

		principal, err := a.resolver.Resolve(r.Context(), name, key)
		if err != nil {
			if errors.Is(err, auth.ErrBadCredentials) {
				writeError(w, r, http.StatusForbidden, "invalid credentials")
				return
			}
			internalError(w, r, err)
			return
		}
		if err := principal.Require(perms...); err != nil {
			// Deliberately vague: no hint about which permission was missing.
			writeError(w, r, http.StatusForbidden, "insufficient permissions")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}
