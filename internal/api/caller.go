package api

import (
	"net/http"

	"github.com/seantiz/escrowd/internal/auth"
)

// requireCaller authenticates the bearer token and puts its subject in the
// request context as the caller.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="escrowd"`)
			s.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		caller, err := s.tokens.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="escrowd", error="invalid_token"`)
			s.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

// caller returns the authenticated caller. Only valid behind requireCaller.
func caller(r *http.Request) string {
	c, _ := auth.Caller(r.Context())
	return c
}
