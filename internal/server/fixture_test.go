package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"github.com/MarcoPoloResearchLab/marginalia/internal/metrics"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type serverFixture struct {
	handler    http.Handler
	tokens     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	registry   *prometheus.Registry
}

func newServerFixture(t *testing.T, mutate func(*Dependencies)) *serverFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:marginalia_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&annotations.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := annotations.NewService(annotations.ServiceConfig{
		Database:   db,
		IDProvider: annotations.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct annotation service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "marginalia-api",
		Audience:      "marginalia-clients",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		t.Fatalf("failed to construct metrics: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	deps := Dependencies{
		Annotations: service,
		Tokens:      tokens,
		Realtime:    dispatcher,
		Metrics:     collectors,
		Gatherer:    registry,
		CookieName:  "marginalia_session",
		Logger:      zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &serverFixture{handler: handler, tokens: tokens, dispatcher: dispatcher, registry: registry}
}

func (f *serverFixture) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.tokens.IssueToken(t.Context(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func samplePDFAnnotation(id, folderID string) annotations.Annotation {
	return annotations.Annotation{
		ID:         id,
		FolderID:   folderID,
		DocumentID: "doc-1",
		Quote:      "alpha",
		Color:      "#ffe564",
		Anchor: annotations.Anchor{
			Kind:        annotations.AnchorKindPDF,
			StartPath:   annotations.PDFPath(2, 0),
			StartOffset: 0,
			EndPath:     annotations.PDFPath(2, 0),
			EndOffset:   5,
			Quote:       "alpha",
			Page:        2,
			Rects:       []geometry.FracRect{{X: 0.1, Y: 0.2, W: 0.3, H: 0.02}},
		},
	}
}
