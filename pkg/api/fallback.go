package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipeed/picochat/pkg/logger"
)

// Endpoint is one chat backend. *Client implements it.
type Endpoint interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	History(ctx context.Context, userID, query string) (*History, error)
	Health(ctx context.Context) error
}

// Fallback tries the primary backend first, then the alternatives in order
// if the primary returns an error. A cancelled context stops the walk.
type Fallback struct {
	primary   Endpoint
	fallbacks []Endpoint
}

func NewFallback(primary Endpoint, fallbacks ...Endpoint) *Fallback {
	return &Fallback{
		primary:   primary,
		fallbacks: fallbacks,
	}
}

func (f *Fallback) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse
	err := f.try(ctx, "chat", func(e Endpoint) error {
		var err error
		resp, err = e.Chat(ctx, req)
		return err
	})
	return resp, err
}

func (f *Fallback) History(ctx context.Context, userID, query string) (*History, error) {
	var h *History
	err := f.try(ctx, "history", func(e Endpoint) error {
		var err error
		h, err = e.History(ctx, userID, query)
		return err
	})
	return h, err
}

// Health succeeds if any backend is healthy.
func (f *Fallback) Health(ctx context.Context) error {
	return f.try(ctx, "health", func(e Endpoint) error {
		return e.Health(ctx)
	})
}

func (f *Fallback) try(ctx context.Context, op string, call func(Endpoint) error) error {
	err := call(f.primary)
	if err == nil {
		return nil
	}
	if len(f.fallbacks) == 0 {
		return err
	}

	logger.WarnCF("api", fmt.Sprintf("Primary backend failed: %v, trying fallbacks", err),
		map[string]interface{}{"op": op})

	lastErr := err
	for i, fb := range f.fallbacks {
		if ctx.Err() != nil {
			return errors.Join(lastErr, ctx.Err())
		}

		lastErr = call(fb)
		if lastErr == nil {
			logger.InfoCF("api", fmt.Sprintf("Fallback #%d succeeded", i+1),
				map[string]interface{}{"op": op})
			return nil
		}

		logger.WarnCF("api", fmt.Sprintf("Fallback #%d failed: %v", i+1, lastErr),
			map[string]interface{}{"op": op})
	}

	return fmt.Errorf("all backends failed, last error: %w", lastErr)
}
