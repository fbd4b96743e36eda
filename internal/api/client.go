package api

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

	"github.com/rs/zerolog"

	"github.com/livethread/internal/conversation"
	"github.com/livethread/internal/retry"
)

// MaxPageSize is the largest page the comment list endpoint serves.
const MaxPageSize = 20

// SessionCookie is the cookie the server reads the session from.
const SessionCookie = "session"

// ErrStatus matches every *StatusError.
var ErrStatus = errors.New("unexpected response status")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method   string
	URL      string
	Code     int
	Body     string
	Redirect string // HX-Redirect target, set when the session is gone
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Paths holds the endpoint templates; %s is the context or comment id.
type Paths struct {
	Comments string
	Stats    string
	Comment  string
	Like     string
}

// DefaultPaths returns the endpoints of the news application.
func DefaultPaths() Paths {
	return Paths{
		Comments: "/api/ai-news/%s/comments",
		Stats:    "/api/ai-news/%s/stats",
		Comment:  "/api/ai-news/comments/%s",
		Like:     "/api/ai-news/comments/%s/like",
	}
}

// Config configures a Client. Only BaseURL is required.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// MaxRetries bounds GET retries; zero keeps the fetch default, negative disables.
	MaxRetries int
	PageSize   int
	Paths      Paths
	HTTPClient *http.Client
}

// Client talks to the HTTP collaborator that owns comments and stats.
type Client struct {
	baseURL  string
	token    string
	pageSize int
	paths    Paths
	retry    retry.Policy
	client   *http.Client
	logger   zerolog.Logger
}

// New validates cfg and returns a ready client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}

	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		pageSize: cfg.PageSize,
		paths:    cfg.Paths,
		retry:    retry.Fetch(),
		client:   cfg.HTTPClient,
		logger:   logger,
	}
	if c.pageSize <= 0 || c.pageSize > MaxPageSize {
		c.pageSize = MaxPageSize
	}
	if c.paths == (Paths{}) {
		c.paths = DefaultPaths()
	}
	switch {
	case cfg.MaxRetries > 0:
		c.retry.MaxRetries = cfg.MaxRetries
	case cfg.MaxRetries < 0:
		c.retry.MaxRetries = 0
	}
	if c.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.client = &http.Client{Timeout: timeout}
	}
	return c, nil
}

func (c *Client) endpoint(template, id string, query url.Values) string {
	u := c.baseURL + fmt.Sprintf(template, url.PathEscape(id))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, requestURL string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.token})
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Method:   method,
			URL:      requestURL,
			Code:     resp.StatusCode,
			Body:     strings.TrimSpace(string(raw)),
			Redirect: resp.Header.Get("HX-Redirect"),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// get retries transient failures; anything else fails on the first attempt.
func (c *Client) get(ctx context.Context, requestURL string, out interface{}) error {
	result := retry.Do(ctx, c.retry, func() (string, error) {
		err := c.do(ctx, http.MethodGet, requestURL, nil, out)
		if err == nil {
			return "", nil
		}
		reason := "network"
		var se *StatusError
		if errors.As(err, &se) {
			reason = "status_" + strconv.Itoa(se.Code)
		}
		if !retry.Retryable(err) {
			return reason, retry.Permanent(err)
		}
		return reason, err
	}, c.logger.With().Str("url", requestURL).Logger())

	return result.LastError
}

// ListPage fetches one page of a context's comments, oldest first.
func (c *Client) ListPage(ctx context.Context, contextID string, page, pageSize int) (conversation.Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = c.pageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var p conversation.Page
	if err := c.get(ctx, c.endpoint(c.paths.Comments, contextID, q), &p); err != nil {
		return conversation.Page{}, fmt.Errorf("list comments of %s: %w", contextID, err)
	}
	for i := range p.Items {
		if p.Items[i].ContextID == "" {
			p.Items[i].ContextID = contextID
		}
	}
	return p, nil
}

// ListComments walks every page and returns the full list, replies included.
func (c *Client) ListComments(ctx context.Context, contextID string) ([]conversation.Comment, error) {
	var all []conversation.Comment
	for page := 1; ; page++ {
		p, err := c.ListPage(ctx, contextID, page, c.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Items...)
		if !p.HasMore || len(p.Items) == 0 {
			break
		}
	}
	c.logger.Debug().Str("context", contextID).Int("comments", len(all)).Msg("fetched comment list")
	return all, nil
}

// Stats returns the context's counters. Both the wrapped {"stats": {...}}
// shape and a flat object are accepted.
func (c *Client) Stats(ctx context.Context, contextID string) (conversation.Stats, error) {
	var raw json.RawMessage
	if err := c.get(ctx, c.endpoint(c.paths.Stats, contextID, nil), &raw); err != nil {
		return conversation.Stats{}, fmt.Errorf("stats of %s: %w", contextID, err)
	}

	var wrapped struct {
		Stats *conversation.Stats `json:"stats"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Stats != nil {
		return *wrapped.Stats, nil
	}
	var flat conversation.Stats
	if err := json.Unmarshal(raw, &flat); err != nil {
		return conversation.Stats{}, fmt.Errorf("stats of %s: %w", contextID, err)
	}
	return flat, nil
}

type createRequest struct {
	Content  string   `json:"content"`
	ParentID *string  `json:"parent_id"`
	Mentions []string `json:"mentions,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateComment posts a new comment and returns it as the client knows it.
// The server only answers with the new id; author fields are left to the caller.
func (c *Client) CreateComment(ctx context.Context, contextID, content, parentID string, mentions []string) (conversation.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return conversation.Comment{}, errors.New("comment content is empty")
	}
	req := createRequest{Content: content, Mentions: mentions}
	if parentID != "" {
		req.ParentID = &parentID
	}

	var resp createResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(c.paths.Comments, contextID, nil), req, &resp); err != nil {
		return conversation.Comment{}, fmt.Errorf("create comment on %s: %w", contextID, err)
	}
	if resp.ID == "" {
		return conversation.Comment{}, fmt.Errorf("create comment on %s: response has no id", contextID)
	}
	return conversation.Comment{
		ID:        resp.ID,
		ContextID: contextID,
		Content:   content,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DeleteComment deletes one comment. It is not retried.
func (c *Client) DeleteComment(ctx context.Context, commentID string) error {
	if err := c.do(ctx, http.MethodDelete, c.endpoint(c.paths.Comment, commentID, nil), nil, nil); err != nil {
		return fmt.Errorf("delete comment %s: %w", commentID, err)
	}
	return nil
}

// ToggleLike flips the current user's like and returns the authoritative count.
func (c *Client) ToggleLike(ctx context.Context, commentID string) (conversation.LikeResult, error) {
	var res conversation.LikeResult
	if err := c.do(ctx, http.MethodPost, c.endpoint(c.paths.Like, commentID, nil), nil, &res); err != nil {
		return conversation.LikeResult{}, fmt.Errorf("toggle like on %s: %w", commentID, err)
	}
	return res, nil
}
