// Package oracle is a small client for the Oracle of Delphi REST API.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// It covers the full contemplation of a chat call.
const DefaultHTTPTimeout = 45 * time.Second

// Client wraps the HTTP interactions with the oracle service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RitualState mirrors the ritual snapshot returned by the server.
type RitualState struct {
	CurrentState   string `json:"current_state"`
	SessionID      string `json:"session_id"`
	AcceptingInput bool   `json:"accepting_input"`
	HistoryLength  int    `json:"history_length"`
}

// RitualEvent is one entry of a session's transition history.
type RitualEvent struct {
	State     string         `json:"state"`
	SessionID string         `json:"session_id"`
	Timestamp float64        `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Session is the state of a session together with its history.
type Session struct {
	RitualState
	History []RitualEvent `json:"history"`
}

// ChatResponse is the reply of POST /chat.
type ChatResponse struct {
	Response    string      `json:"response"`
	SessionID   string      `json:"session_id"`
	RitualState RitualState `json:"ritual_state"`
}

// ConsultationRequest is the payload of an asynchronous consultation.
type ConsultationRequest struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
}

// ConsultationResult holds the reply of a finished consultation.
type ConsultationResult struct {
	Reply       string      `json:"reply"`
	RitualState RitualState `json:"ritual_state"`
}

// Consultation is the server view of a queued question.
type Consultation struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"session_id"`
	Question   string              `json:"question"`
	Status     string              `json:"status"`
	Attempts   int                 `json:"attempts"`
	MaxRetries int                 `json:"max_retries"`
	LastError  string              `json:"last_error,omitempty"`
	ErrorCode  string              `json:"error_code,omitempty"`
	Result     *ConsultationResult `json:"result,omitempty"`
	CreatedAt  int64               `json:"created_at"`
	UpdatedAt  int64               `json:"updated_at"`
}

// Finished reports whether the consultation reached a final status.
func (c Consultation) Finished() bool {
	if c.Status == "succeeded" {
		return true
	}
	return c.Status == "failed" && c.Attempts >= c.MaxRetries
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("oracle api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("oracle api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client. When httpClient is nil a default client is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Chat asks the oracle synchronously. An empty sessionID uses the server default.
func (c *Client) Chat(ctx context.Context, message, sessionID string) (ChatResponse, error) {
	payload := map[string]string{"message": message}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	var out ChatResponse
	if err := c.send(ctx, http.MethodPost, "/chat", nil, payload, &out); err != nil {
		return ChatResponse{}, err
	}
	return out, nil
}

// Health returns nil when the service reports healthy.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.send(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("oracle unhealthy: %q", out.Status)
	}
	return nil
}

// SessionState fetches a session's ritual state and history.
func (c *Client) SessionState(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	if err := c.send(ctx, http.MethodGet, "/sessions/"+sessionID, nil, nil, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// ClearSession drops a session's ritual state and memory.
func (c *Client) ClearSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil, nil)
}

// SubmitConsultation queues a question for background processing.
func (c *Client) SubmitConsultation(ctx context.Context, req ConsultationRequest) (Consultation, error) {
	var out Consultation
	if err := c.send(ctx, http.MethodPost, "/api/v1/consultations", nil, req, &out); err != nil {
		return Consultation{}, err
	}
	return out, nil
}

// GetConsultation fetches a consultation by identifier.
func (c *Client) GetConsultation(ctx context.Context, id string) (Consultation, error) {
	var out Consultation
	if err := c.send(ctx, http.MethodGet, "/api/v1/consultations/"+id, nil, nil, &out); err != nil {
		return Consultation{}, err
	}
	return out, nil
}

// ListConsultations returns consultations matching the optional filters.
func (c *Client) ListConsultations(ctx context.Context, sessionID string, statuses ...string) ([]Consultation, error) {
	query := url.Values{}
	if sessionID != "" {
		query.Set("session_id", sessionID)
	}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	var out struct {
		Consultations []Consultation `json:"consultations"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/consultations", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Consultations, nil
}

// WaitConsultation polls until the consultation finishes or ctx ends.
func (c *Client) WaitConsultation(ctx context.Context, id string, interval time.Duration) (Consultation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cons, err := c.GetConsultation(ctx, id)
		if err != nil {
			return Consultation{}, err
		}
		if cons.Finished() {
			return cons, nil
		}
		select {
		case <-ctx.Done():
			return cons, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError understands both {"detail": "..."} and the 422 list form.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
		Code   string          `json:"code"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		apiErr.Code = envelope.Code
		var text string
		var issues []struct {
			Loc []string `json:"loc"`
			Msg string   `json:"msg"`
		}
		switch {
		case json.Unmarshal(envelope.Detail, &text) == nil:
			apiErr.Message = text
		case json.Unmarshal(envelope.Detail, &issues) == nil:
			parts := make([]string, 0, len(issues))
			for _, issue := range issues {
				parts = append(parts, strings.Join(issue.Loc, ".")+": "+issue.Msg)
			}
			apiErr.Message = strings.Join(parts, "; ")
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
