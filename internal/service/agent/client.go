package agent

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

	"go.uber.org/zap"

	model "github.com/ovara-labs/ovara/backend/internal/model/agent"
)

var (
	// ErrSessionNotFound is returned when the agent service no longer knows a session.
	ErrSessionNotFound = errors.New("agent session not found")

	// ErrMissingSessionID is returned when a creation response carries no session id.
	ErrMissingSessionID = errors.New("agent returned a session without an id")
)

// StatusError reports an unexpected HTTP status from the agent service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// Config holds configuration for the agent REST client.
type Config struct {
	// BaseURL is the agent service root, e.g. "http://localhost:8000".
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token string
	// Timeout bounds each request. Ignored when HTTPClient is provided.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the agent service session API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an agent REST client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("agent: invalid base url %q: %w", baseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: baseURL, token: cfg.Token, httpClient: httpClient, logger: logger}, nil
}

// CreateSession creates a new session seeded with req.State.
func (c *Client) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	state := req.State
	if state == nil {
		state = map[string]any{}
	}
	body, err := json.Marshal(CreateBody{State: state})
	if err != nil {
		return model.Session{}, fmt.Errorf("encode create session body: %w", err)
	}

	var out WireSession
	if err := c.do(ctx, "create session", http.MethodPost, sessionsPath(req.AppName, req.UserID), body, &out); err != nil {
		return model.Session{}, err
	}
	if out.ID == "" {
		return model.Session{}, ErrMissingSessionID
	}

	c.logger.Info("agent session created",
		zap.String("session_id", out.ID),
		zap.String("app_name", req.AppName),
		zap.String("user_id", req.UserID),
	)
	return out.ToModel(), nil
}

// GetSession fetches a session with its event history.
func (c *Client) GetSession(ctx context.Context, appName, userID, sessionID string) (model.Session, error) {
	var out WireSession
	path := sessionsPath(appName, userID) + "/" + url.PathEscape(sessionID)
	if err := c.do(ctx, "get session", http.MethodGet, path, nil, &out); err != nil {
		return model.Session{}, err
	}
	return out.ToModel(), nil
}

func sessionsPath(appName, userID string) string {
	return "/apps/" + url.PathEscape(appName) + "/users/" + url.PathEscape(userID) + "/sessions"
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("agent %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent %s: decode response: %w", op, err)
	}
	return nil
}
