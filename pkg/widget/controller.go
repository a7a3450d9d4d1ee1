package widget

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picochat/pkg/api"
	"github.com/sipeed/picochat/pkg/logger"
	"github.com/sipeed/picochat/pkg/storage"
)

// ErrorReply is shown in place of a bot answer whenever a send fails.
const ErrorReply = "Sorry, I encountered an error. Please try again later."

const (
	defaultStorageKey = "chatbot_user_id"
	defaultIdentity   = "customer_bot"
)

// Backend is the part of the chat API the controller needs.
type Backend interface {
	Chat(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error)
	History(ctx context.Context, userID, query string) (*api.History, error)
}

type Options struct {
	// StorageKey names the durable entry holding the session identity.
	StorageKey string
	// DefaultIdentity is assigned on first run unless GenerateIdentity is set.
	DefaultIdentity  string
	GenerateIdentity bool
	// Greeting, when set, is appended as a system message by Init.
	Greeting string
	Now      func() time.Time
}

// Controller owns the widget state: the session identity and the in-flight
// flag. One Controller drives one rendered transcript.
type Controller struct {
	backend Backend
	store   storage.Store
	view    Renderer
	opts    Options

	mu     sync.RWMutex
	userID string

	busy atomic.Bool
	wg   sync.WaitGroup
}

func NewController(backend Backend, store storage.Store, view Renderer, opts Options) *Controller {
	if opts.StorageKey == "" {
		opts.StorageKey = defaultStorageKey
	}
	if opts.DefaultIdentity == "" {
		opts.DefaultIdentity = defaultIdentity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		backend: backend,
		store:   store,
		view:    view,
		opts:    opts,
	}
}

// Init focuses the input and makes sure a session identity exists. A storage
// failure is returned, but the identity is still kept in memory so the widget
// remains usable.
func (c *Controller) Init(ctx context.Context) error {
	c.view.Focus()

	id, ok, err := c.store.Get(ctx, c.opts.StorageKey)
	if err != nil {
		logger.WarnCF("widget", "Failed to read session identity", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if !ok || id == "" {
		id = c.newIdentity()
		if setErr := c.store.Set(ctx, c.opts.StorageKey, id); setErr != nil {
			logger.WarnCF("widget", "Failed to persist session identity", map[string]interface{}{
				"error": setErr.Error(),
			})
			if err == nil {
				err = setErr
			}
		}
		logger.InfoCF("widget", "Assigned session identity", map[string]interface{}{"user_id": id})
	}

	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()

	if c.opts.Greeting != "" {
		c.append(RoleSystem, c.opts.Greeting)
	}
	return err
}

func (c *Controller) newIdentity() string {
	if c.opts.GenerateIdentity {
		return uuid.NewString()
	}
	return c.opts.DefaultIdentity
}

// UserID returns the current session identity.
func (c *Controller) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Busy reports whether a request is in flight.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// Send submits text and blocks until the reply (or the error message) has been
// rendered. It returns false without touching the transcript when text is
// blank or another request is still in flight.
func (c *Controller) Send(ctx context.Context, text string) bool {
	msg, ok := c.begin(text)
	if !ok {
		return false
	}
	c.exchange(ctx, msg)
	return true
}

// Submit is Send without waiting: the user message and placeholder are
// rendered before it returns, the request runs on its own goroutine.
func (c *Controller) Submit(ctx context.Context, text string) bool {
	msg, ok := c.begin(text)
	if !ok {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.exchange(ctx, msg)
	}()
	return true
}

// Wait blocks until every submitted request has resolved.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) begin(text string) (string, bool) {
	msg := strings.TrimSpace(text)
	if msg == "" {
		return "", false
	}
	if !c.busy.CompareAndSwap(false, true) {
		logger.DebugC("widget", "Dropped send while waiting for response")
		return "", false
	}

	c.view.ClearInput()
	c.append(RoleUser, msg)
	c.view.ShowPlaceholder()
	c.view.ScrollToEnd()
	return msg, true
}

func (c *Controller) exchange(ctx context.Context, msg string) {
	defer func() {
		c.busy.Store(false)
		c.view.ScrollToEnd()
		c.view.Focus()
	}()

	resp, err := c.backend.Chat(ctx, api.ChatRequest{Message: msg, UserID: c.UserID()})
	if err != nil {
		logger.ErrorCF("widget", "Error sending message", map[string]interface{}{
			"error":   err.Error(),
			"user_id": c.UserID(),
		})
		c.view.RemovePlaceholder()
		c.append(RoleBotError, ErrorReply)
		return
	}

	c.adopt(ctx, resp.UserID)
	c.view.RemovePlaceholder()
	c.append(RoleBot, resp.Response)
}

// adopt switches to a server-assigned identity and persists it.
func (c *Controller) adopt(ctx context.Context, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	if id == c.userID {
		c.mu.Unlock()
		return
	}
	prev := c.userID
	c.userID = id
	c.mu.Unlock()

	if err := c.store.Set(ctx, c.opts.StorageKey, id); err != nil {
		logger.WarnCF("widget", "Failed to persist session identity", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.InfoCF("widget", "Adopted server-assigned identity", map[string]interface{}{
		"previous": prev,
		"user_id":  id,
	})
}

// FetchHistory asks the backend for past interactions of the current
// identity. Failures are logged and reported as (nil, false).
func (c *Controller) FetchHistory(ctx context.Context, query string) (*api.History, bool) {
	h, err := c.backend.History(ctx, c.UserID(), query)
	if err != nil {
		logger.ErrorCF("widget", "Error fetching chat history", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, false
	}
	return h, true
}

// Forget removes the stored identity. The next Init assigns a fresh one.
func (c *Controller) Forget(ctx context.Context) error {
	c.mu.Lock()
	c.userID = ""
	c.mu.Unlock()
	return c.store.Delete(ctx, c.opts.StorageKey)
}

func (c *Controller) append(role Role, content string) {
	c.view.AppendMessage(Message{Content: content, Role: role, Time: c.opts.Now()})
	c.view.ScrollToEnd()
}
