package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/annotations/folder-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: jwt.ErrTokenExpired},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/annotations/folder-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestAcceptsSessionCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/annotations/folder-1", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "marginalia_session", Value: "cookie-token"})
	ctx.Request = request

	handler := &httpHandler{
		tokens:     stubTokenManager{subject: "user-9"},
		cookieName: "marginalia_session",
		logger:     zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to be authorized, got %d", recorder.Code)
	}
	if ctx.GetString(userIDContextKey) != "user-9" {
		t.Fatalf("expected user id from token subject, got %q", ctx.GetString(userIDContextKey))
	}
}

func TestGoogleSignInIssuesTokenForResolvedIdentity(t *testing.T) {
	resolver := &recordingResolver{userID: "canonical-1"}
	fixture := newServerFixture(t, func(deps *Dependencies) {
		deps.SignInVerifier = stubVerifier{claims: auth.IdentityClaims{Provider: auth.ProviderGoogle, Subject: "google-1"}}
		deps.Identities = resolver
	})

	recorder := fixture.do(t, http.MethodPost, "/auth/google", "", map[string]string{"token": "google-id-token"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload authResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.TokenType != "Bearer" || payload.UserID != "canonical-1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	subject, err := fixture.tokens.ValidateToken(payload.AccessToken)
	if err != nil || subject != "canonical-1" {
		t.Fatalf("expected issued token for canonical id, got %q (%v)", subject, err)
	}
	if resolver.seen.Subject != "google-1" {
		t.Fatalf("expected resolver to receive verified claims, got %+v", resolver.seen)
	}
}

func TestGoogleSignInRejectsUnverifiedToken(t *testing.T) {
	fixture := newServerFixture(t, func(deps *Dependencies) {
		deps.SignInVerifier = stubVerifier{err: auth.ErrInvalidIDToken}
		deps.Identities = &recordingResolver{userID: "unused"}
	})

	if code := fixture.do(t, http.MethodPost, "/auth/google", "", map[string]string{"id_token": "forged"}).Code; code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := fixture.do(t, http.MethodPost, "/auth/google", "", map[string]string{}).Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing credential, got %d", code)
	}
}

func TestGoogleSignInDisabledWithoutVerifier(t *testing.T) {
	fixture := newServerFixture(t, nil)
	if code := fixture.do(t, http.MethodPost, "/auth/google", "", map[string]string{"token": "x"}).Code; code != http.StatusNotFound {
		t.Fatalf("expected 404 when sign-in is disabled, got %d", code)
	}
}

type stubTokenManager struct {
	subject     string
	validateErr error
}

func (s stubTokenManager) IssueToken(context.Context, string) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

type stubVerifier struct {
	claims auth.IdentityClaims
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (auth.IdentityClaims, error) {
	return s.claims, s.err
}

type recordingResolver struct {
	userID string
	seen   auth.IdentityClaims
}

func (r *recordingResolver) Resolve(_ context.Context, claims auth.IdentityClaims) (string, error) {
	r.seen = claims
	return r.userID, nil
}
