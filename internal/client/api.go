// Package client is the Go client for the chat service: an HTTP store client,
// a reconnecting live channel and the Timeline that merges both with
// optimistic sends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

// API talks to the HTTP surface of the server. Every call carries the token
// it was created with.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// WithToken returns a copy of the client that authenticates as token.
func (a *API) WithToken(token string) *API {
	clone := *a
	clone.token = token
	return &clone
}

func (a *API) Token() string {
	return a.token
}

func (a *API) Register(ctx context.Context, req models.RegisterRequest) (*models.LoginResponse, error) {
	var out models.LoginResponse
	if err := a.do(ctx, "Register", http.MethodPost, "/api/auth/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	var out models.LoginResponse
	req := models.LoginRequest{Username: username, Password: password}
	if err := a.do(ctx, "Login", http.MethodPost, "/api/auth/login", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SearchUsers(ctx context.Context, query string) ([]models.ProfileSummary, error) {
	var out []models.ProfileSummary
	path := "/api/users?search=" + url.QueryEscape(query)
	if err := a.do(ctx, "SearchUsers", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Profiles resolves participant ids to profile summaries. Unknown ids are
// missing from the result.
func (a *API) Profiles(ctx context.Context, ids []int64) ([]models.ProfileSummary, error) {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	var out []models.ProfileSummary
	path := "/api/users/profiles?ids=" + url.QueryEscape(strings.Join(parts, ","))
	if err := a.do(ctx, "Profiles", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) Conversations(ctx context.Context) ([]*models.Conversation, error) {
	var out []*models.Conversation
	if err := a.do(ctx, "Conversations", http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) StartConversation(ctx context.Context, participantID int64) (*models.Conversation, error) {
	var out models.Conversation
	req := models.CreateConversationRequest{ParticipantID: participantID}
	if err := a.do(ctx, "StartConversation", http.MethodPost, "/api/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages fetches one page. A zero cursor asks for the latest page.
func (a *API) ListMessages(ctx context.Context, conversationID int64, page models.PageRequest) ([]*models.Message, error) {
	if page.Cursor < 0 {
		return nil, apperr.Validation("ListMessages", "malformed cursor %d", page.Cursor)
	}

	query := url.Values{}
	if page.Cursor > 0 {
		query.Set("cursor", strconv.FormatInt(page.Cursor, 10))
	}
	if page.Limit > 0 {
		query.Set("limit", strconv.Itoa(page.Limit))
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out []*models.Message
	if err := a.do(ctx, "ListMessages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage validates locally before any request is made.
func (a *API) SendMessage(ctx context.Context, conversationID int64, content, mediaURL string) (*models.Message, error) {
	if err := models.ValidateMessage(content, mediaURL); err != nil {
		return nil, err
	}
	var out models.Message
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	req := models.SendMessageRequest{Content: content, MediaURL: mediaURL}
	if err := a.do(ctx, "SendMessage", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, conversationID int64) ([]int64, error) {
	var out struct {
		Updated []int64 `json:"updated"`
	}
	path := fmt.Sprintf("/api/conversations/%d/read", conversationID)
	if err := a.do(ctx, "MarkRead", http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Updated, nil
}

func (a *API) UnreadCounts(ctx context.Context) (models.UnreadCounts, error) {
	var out models.UnreadCounts
	if err := a.do(ctx, "UnreadCounts", http.MethodGet, "/api/unread", nil, &out); err != nil {
		return models.UnreadCounts{}, err
	}
	return out, nil
}

// do sends one JSON request. Transport failures become transient errors;
// error responses are mapped back onto the server's error kinds.
func (a *API) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperr.Wrap(apperr.ErrTransientIO, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return apperr.FromStatus(op, resp.StatusCode, e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.ErrTransientIO, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
