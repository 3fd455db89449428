package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenFromRequestPrefersAuthorizationHeader(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/annotations/folder-1?access_token=from-query", nil)
	request.Header.Set("Authorization", "Bearer from-header")
	request.AddCookie(&http.Cookie{Name: "marginalia_session", Value: "from-cookie"})

	token, err := TokenFromRequest(request, "marginalia_session")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "from-header" {
		t.Fatalf("expected header token, got %q", token)
	}
}

func TestTokenFromRequestFallsBackToQueryThenCookie(t *testing.T) {
	queryRequest := httptest.NewRequest(http.MethodGet, "/realtime?access_token=from-query", nil)
	if token, err := TokenFromRequest(queryRequest, "marginalia_session"); err != nil || token != "from-query" {
		t.Fatalf("expected query token, got %q (%v)", token, err)
	}

	cookieRequest := httptest.NewRequest(http.MethodGet, "/realtime", nil)
	cookieRequest.AddCookie(&http.Cookie{Name: "marginalia_session", Value: "from-cookie"})
	if token, err := TokenFromRequest(cookieRequest, "marginalia_session"); err != nil || token != "from-cookie" {
		t.Fatalf("expected cookie token, got %q (%v)", token, err)
	}
}

func TestTokenFromRequestRejectsMalformedHeader(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/annotations/folder-1?access_token=from-query", nil)
	request.Header.Set("Authorization", "Basic abc")
	if _, err := TokenFromRequest(request, ""); !errors.Is(err, ErrMissingRequestToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	empty := httptest.NewRequest(http.MethodGet, "/annotations/folder-1", nil)
	if _, err := TokenFromRequest(empty, "marginalia_session"); !errors.Is(err, ErrMissingRequestToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
