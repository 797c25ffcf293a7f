package memory

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

	"github.com/felixgeelhaar/wintermute/internal/observe"
)

const (
	summaryProbe   = "user preferences habits information"
	summaryFetch   = 10
	summaryKeep    = 5
	defaultListK   = 1000
	defaultTimeout = 10 * time.Second
)

// OpenMemory talks to an OpenMemory server over its HTTP API.
type OpenMemory struct {
	baseURL  string
	apiKey   string
	listK    int
	client   *http.Client
	observer *observe.Observer
}

// Option configures an OpenMemory client.
type Option func(*OpenMemory)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(m *OpenMemory) {
		m.apiKey = key
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *OpenMemory) {
		if c != nil {
			m.client = c
		}
	}
}

// WithListLimit bounds ListAllForOwner.
func WithListLimit(k int) Option {
	return func(m *OpenMemory) {
		if k > 0 {
			m.listK = k
		}
	}
}

// WithObserver sets where soft failures are logged.
func WithObserver(o *observe.Observer) Option {
	return func(m *OpenMemory) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewOpenMemory creates a client for the server at baseURL.
func NewOpenMemory(baseURL string, opts ...Option) (*OpenMemory, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid memory url %q", baseURL)
	}
	m := &OpenMemory{
		baseURL:  strings.TrimRight(baseURL, "/"),
		listK:    defaultListK,
		client:   &http.Client{Timeout: defaultTimeout},
		observer: observe.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

var _ Gateway = (*OpenMemory)(nil)

type addRequest struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
	UserID  string   `json:"user_id"`
}

type addResponse struct {
	ID json.RawMessage `json:"id"`
}

type queryRequest struct {
	Query   string            `json:"query"`
	K       int               `json:"k"`
	Filters map[string]string `json:"filters"`
}

type queryResponse struct {
	Matches []Item `json:"matches"`
}

type allResponse struct {
	Items []Item `json:"items"`
}

func (m *OpenMemory) CheckConnection(ctx context.Context) bool {
	err := m.do(ctx, http.MethodGet, "/health", nil, nil)
	return err == nil
}

func (m *OpenMemory) Store(ctx context.Context, content string, tags []string, owner OwnerID) (string, error) {
	userID, err := owner.Resolve()
	if err != nil {
		return "", err
	}

	var resp addResponse
	req := addRequest{Content: content, Tags: tags, UserID: userID}
	if err := m.do(ctx, http.MethodPost, "/memory/add", req, &resp); err != nil {
		return "", fmt.Errorf("store memory for %s: %w", userID, err)
	}
	return rawID(resp.ID), nil
}

func (m *OpenMemory) Query(ctx context.Context, text string, owner OwnerID, limit int) Recall {
	userID, err := owner.Resolve()
	if err != nil {
		return Recall{Err: err}
	}
	items, err := m.query(ctx, text, userID, limit)
	if err != nil {
		m.observer.Log().Warn().Str("owner", userID).Err(err).Msg("memory query failed, continuing without context")
		return Recall{Err: err}
	}
	return Recall{Items: items}
}

func (m *OpenMemory) ListAllForOwner(ctx context.Context, owner OwnerID) Recall {
	userID, err := owner.Resolve()
	if err != nil {
		return Recall{Err: err}
	}
	// The service has no per-owner listing; an empty query with a large k
	// matches everything under the owner filter.
	items, err := m.query(ctx, "", userID, m.listK)
	if err != nil {
		m.observer.Log().Warn().Str("owner", userID).Err(err).Msg("memory listing failed")
		return Recall{Err: err}
	}
	return Recall{Items: items}
}

func (m *OpenMemory) Summarize(ctx context.Context, owner OwnerID) string {
	r := m.Query(ctx, summaryProbe, owner, summaryFetch)
	if r.Degraded() || len(r.Items) == 0 {
		return NoMemories
	}
	items := r.Items
	if len(items) > summaryKeep {
		items = items[:summaryKeep]
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.Content)
	}
	return strings.Join(parts, " | ")
}

func (m *OpenMemory) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	return m.do(ctx, http.MethodDelete, "/memory/"+url.PathEscape(id), nil, nil)
}

func (m *OpenMemory) Stats(ctx context.Context) Stats {
	var resp allResponse
	if err := m.do(ctx, http.MethodGet, "/memory/all", nil, &resp); err != nil {
		m.observer.Log().Warn().Err(err).Msg("memory stats unavailable")
		return Stats{}
	}
	return Stats{Total: len(resp.Items), Available: true}
}

func (m *OpenMemory) query(ctx context.Context, text, userID string, k int) ([]Item, error) {
	if k <= 0 {
		k = 10
	}
	var resp queryResponse
	req := queryRequest{Query: text, K: k, Filters: map[string]string{"user_id": userID}}
	if err := m.do(ctx, http.MethodPost, "/memory/query", req, &resp); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

func (m *OpenMemory) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return ErrNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// rawID renders a JSON id that may be a string or a number.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// IsUnavailable reports whether err came from an unreachable or failing service.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
