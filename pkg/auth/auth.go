package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken indicates that the Authorization header was not provided.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidPrefix indicates the header did not use the Bearer scheme.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrInvalidToken indicates the token did not match.
	ErrInvalidToken = errors.New("invalid token")
)

// ExtractToken parses an "Authorization: Bearer <token>" header.
func ExtractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidPrefix
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// RequireToken rejects requests whose bearer token differs from want. An
// empty want disables the check.
func RequireToken(want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if want == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, err := ExtractToken(r)
			if err == nil && subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				err = ErrInvalidToken
			}
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
