package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	bearerPrefix = "Bearer "
	// AccessTokenQueryParameter carries the token for websocket upgrades, where browsers cannot set headers.
	AccessTokenQueryParameter = "access_token"
)

// ErrMissingRequestToken indicates a request without any usable bearer credential.
var ErrMissingRequestToken = errors.New("auth: missing bearer token")

// TokenFromRequest extracts the API token from the Authorization header, then the
// access_token query parameter, then the named cookie.
func TokenFromRequest(request *http.Request, cookieName string) (string, error) {
	if request == nil {
		return "", ErrMissingRequestToken
	}
	if header := request.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrMissingRequestToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if token == "" {
			return "", ErrMissingRequestToken
		}
		return token, nil
	}
	if token := strings.TrimSpace(request.URL.Query().Get(AccessTokenQueryParameter)); token != "" {
		return token, nil
	}
	cookieName = strings.TrimSpace(cookieName)
	if cookieName == "" {
		return "", ErrMissingRequestToken
	}
	cookie, err := request.Cookie(cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", ErrMissingRequestToken
	}
	return strings.TrimSpace(cookie.Value), nil
}
