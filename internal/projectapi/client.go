// Package projectapi is the HTTP client for the project API. It implements outline.Remote.
//
// Only reads are retried, and only after transport failures or 502, 503 and 504
// responses. Writes are sent exactly once, so a user action is never replayed; a
// failed write surfaces to the caller, which rolls back or reloads.
package projectapi

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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"docpilot/api/internal/auth"
	"docpilot/api/internal/project"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("project api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("project api: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap exposes the status class so callers can match with errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	}
	return nil
}

const (
	defaultTimeout = 60 * time.Second
	readRetries    = 2
)

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	creds      auth.Provider
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL string, creds auth.Provider, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if creds == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: defaultTimeout},
		creds:      creds,
		logger:     zap.NewNop(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]project.Project, error) {
	var out struct {
		Projects []project.Project `json:"projects"`
	}
	if err := c.get(ctx, "/api/projects", &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

func (c *Client) CreateProject(ctx context.Context, title string, docType project.DocType) (project.Project, error) {
	var out project.Project
	body := map[string]any{"title": title, "doc_type": docType}
	if err := c.do(ctx, http.MethodPost, "/api/projects", body, &out); err != nil {
		return project.Project{}, err
	}
	return out, nil
}

func (c *Client) RenameProject(ctx context.Context, projectID, title string) (project.Project, error) {
	var out project.Project
	if err := c.do(ctx, http.MethodPut, projectPath(projectID), map[string]any{"title": title}, &out); err != nil {
		return project.Project{}, err
	}
	return out, nil
}

func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID), nil, nil)
}

func (c *Client) FetchProject(ctx context.Context, projectID string) (project.Project, error) {
	var out project.Project
	if err := c.get(ctx, projectPath(projectID), &out); err != nil {
		return project.Project{}, err
	}
	return out, nil
}

func (c *Client) ReplaceOrder(ctx context.Context, projectID string, sectionIDs []string) error {
	body := map[string]any{"section_ids": sectionIDs}
	return c.do(ctx, http.MethodPut, projectPath(projectID)+"/outline/order", body, nil)
}

func (c *Client) CreateSection(ctx context.Context, projectID, title string) (project.Section, int, error) {
	var out struct {
		Section  project.Section `json:"section"`
		Position int             `json:"position"`
	}
	if err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/sections", map[string]any{"title": title}, &out); err != nil {
		return project.Section{}, 0, err
	}
	return out.Section, out.Position, nil
}

func (c *Client) DeleteSection(ctx context.Context, projectID, sectionID string) error {
	return c.do(ctx, http.MethodDelete, sectionPath(projectID, sectionID), nil, nil)
}

func (c *Client) UpdateContent(ctx context.Context, projectID, sectionID, content string) (project.Section, error) {
	return c.section(ctx, http.MethodPut, sectionPath(projectID, sectionID)+"/content", map[string]any{"content": content})
}

func (c *Client) Generate(ctx context.Context, projectID, sectionID string, useWebResearch bool) (project.Section, error) {
	body := map[string]any{"section_id": sectionID, "use_web_research": useWebResearch}
	return c.section(ctx, http.MethodPost, projectPath(projectID)+"/generate", body)
}

func (c *Client) Refine(ctx context.Context, projectID, sectionID, prompt, userID string) (project.Section, error) {
	body := map[string]any{"prompt": prompt, "user_id": userID}
	return c.section(ctx, http.MethodPost, sectionPath(projectID, sectionID)+"/refine", body)
}

func (c *Client) AddComment(ctx context.Context, projectID, sectionID, text, userID string) (project.Section, error) {
	body := map[string]any{"text": text, "user_id": userID}
	return c.section(ctx, http.MethodPost, sectionPath(projectID, sectionID)+"/comments", body)
}

func (c *Client) LikeRefinement(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error) {
	return c.react(ctx, projectID, sectionID, refinementID, "like", userID)
}

func (c *Client) DislikeRefinement(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error) {
	return c.react(ctx, projectID, sectionID, refinementID, "dislike", userID)
}

func (c *Client) SuggestOutline(ctx context.Context, projectID, topic string) (project.Project, error) {
	var out project.Project
	if err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/suggest-outline", map[string]any{"topic": topic}, &out); err != nil {
		return project.Project{}, err
	}
	return out, nil
}

func (c *Client) react(ctx context.Context, projectID, sectionID, refinementID, kind, userID string) (project.Section, error) {
	path := sectionPath(projectID, sectionID) + "/refinements/" + url.PathEscape(refinementID) + "/" + kind
	return c.section(ctx, http.MethodPost, path, map[string]any{"user_id": userID})
}

func (c *Client) section(ctx context.Context, method, path string, body any) (project.Section, error) {
	var out project.Section
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return project.Section{}, err
	}
	return out, nil
}

// get retries transport failures and gateway errors; writes are never replayed.
func (c *Client) get(ctx context.Context, path string, out any) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), readRetries), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.Warn("project api read failed; retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	return err
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Code    string          `json:"code"`
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		apiErr.Code = envelope.Code
		apiErr.Message = envelope.Error
		apiErr.Details = envelope.Details
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func projectPath(projectID string) string {
	return "/api/projects/" + url.PathEscape(projectID)
}

func sectionPath(projectID, sectionID string) string {
	return projectPath(projectID) + "/sections/" + url.PathEscape(sectionID)
}
