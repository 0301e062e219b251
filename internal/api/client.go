package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/spark/internal/model"
	"github.com/matheus3301/spark/internal/wire"
	"go.uber.org/zap"
)

const DefaultTimeout = 15 * time.Second

var _ MessagingAPI = (*Client)(nil)

// Client is the HTTP/JSON MessagingAPI. Every response is wrapped in
// {"success": bool, "data": ..., "error": {"code", "message"}}.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, NetworkError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NetworkError(fmt.Errorf("read %s %s: %w", method, path, err))
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if !env.Success || resp.StatusCode >= 400 {
		e := &Error{Status: resp.StatusCode}
		if env.Error != nil {
			e.Code = env.Error.Code
			e.Message = env.Error.Message
		}
		return nil, e
	}
	return env.Data, nil
}

func (c *Client) SendMessage(ctx context.Context, d model.Draft) (*model.Message, error) {
	body, err := wire.EncodeDraft(d)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, http.MethodPost, "/messages", body, nil)
	if err != nil {
		return nil, err
	}
	m, err := wire.ParseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("parse sent message: %w", err)
	}
	if m.ClientID == "" {
		m.ClientID = d.ClientID
	}
	return &m, nil
}

func (c *Client) GetMessages(ctx context.Context, conversationID string, q Query) ([]model.Message, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Before.IsZero() {
		params.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	}
	if !q.After.IsZero() {
		params.Set("after", q.After.UTC().Format(time.RFC3339Nano))
	}
	data, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, params)
	if err != nil {
		return nil, err
	}
	msgs, err := wire.ParseMessages(data)
	if err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return msgs, nil
}

func (c *Client) GetConversations(ctx context.Context) ([]model.Conversation, error) {
	data, err := c.do(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := wire.ParseConversations(data)
	if err != nil {
		return nil, fmt.Errorf("parse conversations: %w", err)
	}
	return convs, nil
}

func (c *Client) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", []byte("{}"), nil)
	return err
}

func (c *Client) SendTypingIndicator(ctx context.Context, conversationID string, typing bool) error {
	body, _ := json.Marshal(map[string]bool{"isTyping": typing})
	_, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/typing", body, nil)
	return err
}

func (c *Client) SendDeliveryReceipt(ctx context.Context, messageID string, status model.Status) error {
	body, _ := json.Marshal(map[string]string{"status": string(status)})
	_, err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/receipts", body, nil)
	return err
}

func (c *Client) GetUnreadCounts(ctx context.Context) (map[string]int, error) {
	data, err := c.do(ctx, http.MethodGet, "/conversations/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	counts, err := wire.ParseUnreadCounts(data)
	if err != nil {
		return nil, fmt.Errorf("parse unread counts: %w", err)
	}
	return counts, nil
}

func (c *Client) PushMessage(ctx context.Context, m model.Message) error {
	body, err := wire.EncodeMessage(m)
	if err != nil {
		return err
	}
	path := "/conversations/" + url.PathEscape(m.ConversationID) + "/messages/" + url.PathEscape(m.ID)
	_, err = c.do(ctx, http.MethodPut, path, body, nil)
	return err
}
