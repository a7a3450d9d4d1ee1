package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/sipeed/picochat/pkg/logger"
)

// ChatRequest is the body of POST {base}/chat.
type ChatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

// ChatResponse is the success body of POST {base}/chat. UserID is set when the
// backend assigned or confirmed an identity.
type ChatResponse struct {
	Response string `json:"response"`
	UserID   string `json:"user_id,omitempty"`
}

// StatusError reports a non-2xx answer. The body is kept (truncated) for logs only.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API returned %s", e.Status)
	}
	return fmt.Sprintf("API returned %s: %s", e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration // 0 means no deadline
	RequestsPerMinute int           // 0 means unlimited
}

// Client talks to the chat backend over HTTP.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
}

func NewClient(opts Options) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{})
	if opts.Timeout > 0 {
		hc.SetTimeout(opts.Timeout)
	}

	c := &Client{http: hc}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return c
}

// Chat sends one message and returns the decoded reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := c.do(ctx, c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req), "POST", "/chat")
	if err != nil {
		return nil, err
	}

	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	return &out, nil
}

// History fetches stored interactions for userID, optionally filtered by query.
func (c *Client) History(ctx context.Context, userID, query string) (*History, error) {
	body, err := c.do(ctx, c.request(ctx).SetQueryParams(map[string]string{
		"user_id": userID,
		"query":   query,
	}), "GET", "/history")
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decoding history response: invalid JSON")
	}
	return &History{raw: body}, nil
}

// Health checks GET {base}/health and expects {"status": "ok"}.
func (c *Client) Health(ctx context.Context) error {
	body, err := c.do(ctx, c.request(ctx), "GET", "/health")
	if err != nil {
		return err
	}
	if status := gjson.GetBytes(body, "status").String(); status != "ok" {
		return fmt.Errorf("backend reports status %q", status)
	}
	return nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	logger.DebugCF("api", "Request finished", map[string]interface{}{
		"method":     method,
		"path":       path,
		"status":     resp.StatusCode(),
		"request_id": req.Header.Get("X-Request-ID"),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	if !resp.IsSuccess() {
		return nil, &StatusError{
			Code:   resp.StatusCode(),
			Status: resp.Status(),
			Body:   truncate(strings.TrimSpace(resp.String()), 200),
		}
	}
	return resp.Body(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// restyLogger routes resty's own diagnostics into the component logger.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) {
	logger.ErrorC("api", fmt.Sprintf(format, v...))
}

func (restyLogger) Warnf(format string, v ...interface{}) {
	logger.WarnC("api", fmt.Sprintf(format, v...))
}

func (restyLogger) Debugf(format string, v ...interface{}) {
	logger.DebugC("api", fmt.Sprintf(format, v...))
}
