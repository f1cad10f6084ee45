package realtime

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
	"github.com/sony/gobreaker"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// NotificationFilter narrows a notification listing. Empty fields match everything.
type NotificationFilter struct {
	Type       string
	Category   protocol.NotificationCategory
	UnreadOnly bool
	Page       int
	Limit      int
}

// Matches applies the filter to a single notification.
func (f NotificationFilter) Matches(n protocol.Notification) bool {
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Category != "" && n.Category != f.Category {
		return false
	}
	if f.UnreadOnly && n.IsRead {
		return false
	}
	return true
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// RESTOptions configures the REST client.
type RESTOptions struct {
	HTTPClient     *http.Client
	MaxFailures    uint32
	BreakerTimeout time.Duration
	Logger         *zerolog.Logger
}

// RESTClient calls the auxiliary HTTP endpoints. Consecutive server failures open a circuit
// breaker so a failing backend is not hammered; client errors never trip it.
type RESTClient struct {
	baseURL string
	token   func() string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func NewRESTClient(baseURL string, token func() string, opts RESTOptions) *RESTClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "rest").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rally-rest",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			var loadErr *LoadError
			if errors.As(err, &loadErr) && loadErr.Status > 0 && loadErr.Status < http.StatusInternalServerError {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info().Str("name", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state")
		},
	})

	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    opts.HTTPClient,
		breaker: breaker,
		logger:  logger,
	}
}

// do performs one call through the breaker and decodes the envelope data into out.
func (c *RESTClient) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, path, query, body, out)
	})
	if err == nil {
		return nil
	}
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr
	}
	return &LoadError{Op: op, Err: err}
}

func (c *RESTClient) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &LoadError{Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &LoadError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &LoadError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var payload envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&payload)

	if resp.StatusCode >= http.StatusBadRequest {
		message := payload.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &LoadError{Op: op, Status: resp.StatusCode, Err: errors.New(message)}
	}
	if decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
		return &LoadError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if out != nil && len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, out); err != nil {
			return &LoadError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

// History implements historySource over GET /api/conversations/:id/messages.
func (c *RESTClient) History(ctx context.Context, conversationID string, afterSeq int64) ([]protocol.Message, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(historyPageSize))
	if afterSeq > 0 {
		query.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	var messages []protocol.Message
	err := c.do(ctx, "load history", http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", query, nil, &messages)
	return messages, err
}

// Notifications lists the caller's notifications.
func (c *RESTClient) Notifications(ctx context.Context, filter NotificationFilter) ([]protocol.Notification, error) {
	query := url.Values{}
	if filter.Type != "" {
		query.Set("type", filter.Type)
	}
	if filter.Category != "" {
		query.Set("category", string(filter.Category))
	}
	if filter.UnreadOnly {
		query.Set("is_read", "false")
	}
	if filter.Page > 0 {
		query.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var items []protocol.Notification
	err := c.do(ctx, "load notifications", http.MethodGet, "/api/notifications", query, nil, &items)
	return items, err
}

func (c *RESTClient) MarkNotificationRead(ctx context.Context, id uint) error {
	return c.do(ctx, "mark notification read", http.MethodPost, "/api/notifications/"+strconv.FormatUint(uint64(id), 10)+"/read", nil, nil, nil)
}

func (c *RESTClient) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "mark all notifications read", http.MethodPost, "/api/notifications/read-all", nil, nil, nil)
}

func (c *RESTClient) DeleteNotification(ctx context.Context, id uint) error {
	return c.do(ctx, "delete notification", http.MethodDelete, "/api/notifications/"+strconv.FormatUint(uint64(id), 10), nil, nil, nil)
}

func (c *RESTClient) ClearNotifications(ctx context.Context) error {
	return c.do(ctx, "clear notifications", http.MethodDelete, "/api/notifications", nil, nil, nil)
}

func (c *RESTClient) UnreadNotifications(ctx context.Context) (int64, error) {
	var count protocol.UnreadCount
	err := c.do(ctx, "load unread count", http.MethodGet, "/api/notifications/unread-count", nil, nil, &count)
	return count.Count, err
}

func (c *RESTClient) NotificationPreferences(ctx context.Context) (protocol.NotificationPreferences, error) {
	var prefs protocol.NotificationPreferences
	err := c.do(ctx, "load preferences", http.MethodGet, "/api/notifications/preferences", nil, nil, &prefs)
	return prefs, err
}

func (c *RESTClient) SaveNotificationPreferences(ctx context.Context, prefs protocol.NotificationPreferences) (protocol.NotificationPreferences, error) {
	var saved protocol.NotificationPreferences
	err := c.do(ctx, "save preferences", http.MethodPut, "/api/notifications/preferences", nil, prefs, &saved)
	return saved, err
}
