package syncgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

type staticToken string

func (s staticToken) Token() (string, error) {
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", Tokens: staticToken("token-123")})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestClientCreateSendsBearerAndBody(t *testing.T) {
	var gotAuth string
	var gotBody annotations.Annotation
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/annotations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(gotBody)
	}))

	created, err := client.CreateAnnotation(context.Background(), testAnnotation("a1"))
	if err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotBody.DocumentID != "doc-1" || created.ID != "a1" {
		t.Fatalf("unexpected round trip: sent %+v got %+v", gotBody, created)
	}
}

func TestClientListDecodesEnvelope(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/annotations/folder-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"annotations": []annotations.Annotation{testAnnotation("a1"), testAnnotation("a2")},
		})
	}))

	list, err := client.ListAnnotations(context.Background(), "folder-1")
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if !equalIDs(ids(list), []string{"a1", "a2"}) {
		t.Fatalf("unexpected ids %v", ids(list))
	}
	if list[0].Kind() != annotations.AnchorKindPDF {
		t.Fatalf("expected pdf anchor, got %q", list[0].Kind())
	}
}

func TestClientListSurvivesCancelledPeer(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"annotations": []annotations.Annotation{testAnnotation("a1")},
		})
	}))
	var releaseOnce atomic.Bool
	releaseServer := func() {
		if releaseOnce.CompareAndSwap(false, true) {
			close(release)
		}
	}
	t.Cleanup(releaseServer)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.ListAnnotations(firstCtx, "folder-1")
		firstErr <- err
	}()
	<-arrived

	type listResult struct {
		list []annotations.Annotation
		err  error
	}
	second := make(chan listResult, 1)
	go func() {
		list, err := client.ListAnnotations(context.Background(), "folder-1")
		second <- listResult{list: list, err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancelled caller to see context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled caller did not return")
	}

	releaseServer()
	select {
	case result := <-second:
		if result.err != nil {
			t.Fatalf("expected second caller to succeed, got %v", result.err)
		}
		if !equalIDs(ids(result.list), []string{"a1"}) {
			t.Fatalf("unexpected ids %v", ids(result.list))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller did not return")
	}
}

func TestClientDeleteReportsNotFound(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"annotation not found"}`))
	}))

	err := client.DeleteAnnotation(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one request, got %d", calls)
	}
}

func TestClientPatchSendsOnlyProvidedFields(t *testing.T) {
	var raw map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/annotations/a1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_ = json.NewEncoder(w).Encode(testAnnotation("a1"))
	}))

	note := "hello"
	if _, err := client.PatchAnnotation(context.Background(), "a1", annotations.Patch{Note: &note}); err != nil {
		t.Fatalf("patch returned error: %v", err)
	}
	if len(raw) != 1 || raw["note"] != "hello" {
		t.Fatalf("unexpected patch body %v", raw)
	}
}

func TestClientRequiresToken(t *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	if _, err := client.ListAnnotations(context.Background(), "folder-1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "  "}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
}

func TestClientSignInSendsNoBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/google" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no authorization header on sign-in")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["token"] != "id-token" {
			t.Errorf("unexpected body %v (%v)", body, err)
		}
		_ = json.NewEncoder(w).Encode(SignInResult{AccessToken: "api-token", ExpiresIn: 3600, TokenType: "Bearer", UserID: "user-1"})
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	result, err := client.SignIn(context.Background(), "google", "id-token")
	if err != nil {
		t.Fatalf("sign-in failed: %v", err)
	}
	if result.AccessToken != "api-token" || result.UserID != "user-1" {
		t.Fatalf("unexpected sign-in result %+v", result)
	}
}
