package syncgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"golang.org/x/sync/singleflight"
)

const defaultClientTimeout = 30 * time.Second

var (
	// ErrUnauthenticated indicates that no bearer token is available.
	ErrUnauthenticated = errors.New("syncgw: no session token")
	errMissingBaseURL  = errors.New("syncgw: base url is required")
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// HTTPError carries a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("syncgw: remote returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the remote annotation API. Safe for concurrent use; concurrent lists of the
// same folder share one request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	lists      singleflight.Group
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultClientTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
	}, nil
}

type listResponse struct {
	Annotations []annotations.Annotation `json:"annotations"`
}

// CreateAnnotation issues POST /annotations.
func (c *Client) CreateAnnotation(ctx context.Context, annotation annotations.Annotation) (annotations.Annotation, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/annotations", annotation)
	if err != nil {
		return annotations.Annotation{}, fmt.Errorf("create request failed: %w", err)
	}
	var created annotations.Annotation
	if err := decodeResponse(resp, &created); err != nil {
		return annotations.Annotation{}, err
	}
	return created, nil
}

// ListAnnotations issues GET /annotations/{folderId} and returns every annotation in the folder.
// The shared request outlives any single caller; each caller stops waiting when its own ctx ends.
func (c *Client) ListAnnotations(ctx context.Context, folderID string) ([]annotations.Annotation, error) {
	requestCtx := context.WithoutCancel(ctx)
	results := c.lists.DoChan(folderID, func() (interface{}, error) {
		resp, err := c.doRequest(requestCtx, http.MethodGet, "/annotations/"+url.PathEscape(folderID), nil)
		if err != nil {
			return nil, fmt.Errorf("list request failed: %w", err)
		}
		var payload listResponse
		if err := decodeResponse(resp, &payload); err != nil {
			return nil, err
		}
		return payload.Annotations, nil
	})

	var result singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("list request failed: %w", ctx.Err())
	case result = <-results:
	}
	if result.Err != nil {
		return nil, result.Err
	}
	shared := result.Val.([]annotations.Annotation)
	list := make([]annotations.Annotation, len(shared))
	for index, annotation := range shared {
		list[index] = annotation.Clone()
	}
	return list, nil
}

// PatchAnnotation issues PATCH /annotations/{id}.
func (c *Client) PatchAnnotation(ctx context.Context, id string, patch annotations.Patch) (annotations.Annotation, error) {
	resp, err := c.doRequest(ctx, http.MethodPatch, "/annotations/"+url.PathEscape(id), patch)
	if err != nil {
		return annotations.Annotation{}, fmt.Errorf("patch request failed: %w", err)
	}
	var updated annotations.Annotation
	if err := decodeResponse(resp, &updated); err != nil {
		return annotations.Annotation{}, err
	}
	return updated, nil
}

// DeleteAnnotation issues DELETE /annotations/{id}.
func (c *Client) DeleteAnnotation(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/annotations/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	return decodeResponse(resp, nil)
}

// SignInResult is the API token issued for a provider sign-in.
type SignInResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

// SignIn exchanges a provider ID token for an API token via POST /auth/{provider}.
func (c *Client) SignIn(ctx context.Context, provider, idToken string) (SignInResult, error) {
	payload := map[string]string{"token": idToken}
	resp, err := c.send(ctx, http.MethodPost, "/auth/"+url.PathEscape(provider), payload, "")
	if err != nil {
		return SignInResult{}, fmt.Errorf("sign-in request failed: %w", err)
	}
	var result SignInResult
	if err := decodeResponse(resp, &result); err != nil {
		return SignInResult{}, err
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	return c.send(ctx, method, path, body, token)
}

func (c *Client) send(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.httpClient.Do(req)
}

func (c *Client) token() (string, error) {
	if c.tokens == nil {
		return "", ErrUnauthenticated
	}
	token, err := c.tokens.Token()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
