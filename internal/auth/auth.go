package auth

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Identity is the user a connection or request acts for.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// CredentialFromQuery returns the ?token= query parameter. Browsers cannot
// set headers on a WebSocket upgrade, so the relay accepts it there too.
func CredentialFromQuery(q url.Values) (string, error) {
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingCredentials
	}
	return strings.TrimSpace(token), nil
}
