package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

func TestAnnotationRoutesLifecycle(t *testing.T) {
	fixture := newServerFixture(t, nil)
	token := fixture.tokenFor(t, "user-1")

	created := fixture.do(t, http.MethodPost, "/annotations", token, samplePDFAnnotation("annotation-1", "folder-1"))
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var createdPayload annotations.Annotation
	if err := json.Unmarshal(created.Body.Bytes(), &createdPayload); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	if createdPayload.ID != "annotation-1" {
		t.Fatalf("expected client supplied id to be kept, got %q", createdPayload.ID)
	}

	listed := fixture.do(t, http.MethodGet, "/annotations/folder-1", token, nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listed.Code)
	}
	var listPayload listResponsePayload
	if err := json.Unmarshal(listed.Body.Bytes(), &listPayload); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	if len(listPayload.Annotations) != 1 || listPayload.Annotations[0].Anchor.Page != 2 {
		t.Fatalf("unexpected list payload %+v", listPayload)
	}

	note := "remember this"
	patched := fixture.do(t, http.MethodPatch, "/annotations/annotation-1", token, annotations.Patch{Note: &note})
	if patched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", patched.Code, patched.Body.String())
	}
	var patchPayload annotations.Annotation
	if err := json.Unmarshal(patched.Body.Bytes(), &patchPayload); err != nil {
		t.Fatalf("failed to decode patch response: %v", err)
	}
	if patchPayload.Note != note || patchPayload.Quote != "alpha" {
		t.Fatalf("expected only the note to change, got %+v", patchPayload)
	}

	deleted := fixture.do(t, http.MethodDelete, "/annotations/annotation-1", token, nil)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}
	again := fixture.do(t, http.MethodDelete, "/annotations/annotation-1", token, nil)
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", again.Code)
	}
	if !strings.Contains(again.Body.String(), "annotations.delete.not_found") {
		t.Fatalf("expected service error code in body, got %s", again.Body.String())
	}
}

func TestAnnotationRoutesScopeToCaller(t *testing.T) {
	fixture := newServerFixture(t, nil)
	owner := fixture.tokenFor(t, "owner")
	intruder := fixture.tokenFor(t, "intruder")

	if code := fixture.do(t, http.MethodPost, "/annotations", owner, samplePDFAnnotation("annotation-1", "folder-1")).Code; code != http.StatusCreated {
		t.Fatalf("expected create to succeed, got %d", code)
	}

	listed := fixture.do(t, http.MethodGet, "/annotations/folder-1", intruder, nil)
	var payload listResponsePayload
	if err := json.Unmarshal(listed.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	if len(payload.Annotations) != 0 {
		t.Fatalf("expected no annotations for another user, got %d", len(payload.Annotations))
	}

	if code := fixture.do(t, http.MethodDelete, "/annotations/annotation-1", intruder, nil).Code; code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign delete, got %d", code)
	}
	if code := fixture.do(t, http.MethodPost, "/annotations", intruder, samplePDFAnnotation("annotation-1", "folder-1")).Code; code != http.StatusConflict {
		t.Fatalf("expected 409 for id owned by another user, got %d", code)
	}
}

func TestAnnotationRoutesRejectInvalidInput(t *testing.T) {
	fixture := newServerFixture(t, nil)
	token := fixture.tokenFor(t, "user-1")

	invalid := samplePDFAnnotation("annotation-1", "folder-1")
	invalid.Color = "#000000"
	if code := fixture.do(t, http.MethodPost, "/annotations", token, invalid).Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for color outside palette, got %d", code)
	}

	if code := fixture.do(t, http.MethodPatch, "/annotations/annotation-1", token, map[string]any{}).Code; code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch, got %d", code)
	}

	if code := fixture.do(t, http.MethodGet, "/annotations/folder-1", "", nil).Code; code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
}

func TestAnnotationRoutesPublishFolderChanges(t *testing.T) {
	fixture := newServerFixture(t, nil)
	token := fixture.tokenFor(t, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := fixture.dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	if code := fixture.do(t, http.MethodPost, "/annotations", token, samplePDFAnnotation("annotation-1", "folder-7")).Code; code != http.StatusCreated {
		t.Fatalf("expected create to succeed, got %d", code)
	}

	select {
	case message := <-stream:
		if message.EventType != RealtimeEventAnnotationsChanged || message.FolderID != "folder-7" {
			t.Fatalf("unexpected message %+v", message)
		}
		if len(message.AnnotationIDs) != 1 || message.AnnotationIDs[0] != "annotation-1" {
			t.Fatalf("unexpected annotation ids %v", message.AnnotationIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a change message after create")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	fixture := newServerFixture(t, nil)

	if code := fixture.do(t, http.MethodGet, "/healthz", "", nil).Code; code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", code)
	}

	exposition := fixture.do(t, http.MethodGet, "/metrics", "", nil)
	if exposition.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", exposition.Code)
	}
	if !strings.Contains(exposition.Body.String(), `marginalia_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz request to be counted, got:\n%s", exposition.Body.String())
	}
}
