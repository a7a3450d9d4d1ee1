package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEndpoint struct {
	name  string
	err   error
	calls int
}

func (s *stubEndpoint) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Response: s.name + ": " + req.Message}, nil
}

func (s *stubEndpoint) History(ctx context.Context, userID, query string) (*History, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return NewHistory([]byte(`{"results": [{"memory": "` + s.name + `"}]}`)), nil
}

func (s *stubEndpoint) Health(ctx context.Context) error {
	s.calls++
	return s.err
}

func TestFallbackPrimaryWins(t *testing.T) {
	primary := &stubEndpoint{name: "primary"}
	backup := &stubEndpoint{name: "backup"}

	resp, err := NewFallback(primary, backup).Chat(context.Background(), ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "primary: hi", resp.Response)
	assert.Equal(t, 0, backup.calls)
}

func TestFallbackTriesInOrder(t *testing.T) {
	primary := &stubEndpoint{name: "primary", err: errors.New("down")}
	first := &stubEndpoint{name: "first", err: errors.New("also down")}
	second := &stubEndpoint{name: "second"}
	f := NewFallback(primary, first, second)

	resp, err := f.Chat(context.Background(), ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "second: hi", resp.Response)

	h, err := f.History(context.Background(), "abc", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, h.Memories())

	assert.NoError(t, f.Health(context.Background()))
}

func TestFallbackAllFail(t *testing.T) {
	last := errors.New("last")
	f := NewFallback(&stubEndpoint{err: errors.New("first")}, &stubEndpoint{err: last})

	_, err := f.Chat(context.Background(), ChatRequest{Message: "hi"})
	assert.ErrorIs(t, err, last)
	assert.ErrorContains(t, err, "all backends failed")
}

func TestFallbackWithoutAlternativesKeepsError(t *testing.T) {
	down := errors.New("down")
	_, err := NewFallback(&stubEndpoint{err: down}).Chat(context.Background(), ChatRequest{Message: "hi"})
	assert.Equal(t, down, err)
}

func TestFallbackStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backup := &stubEndpoint{name: "backup"}

	_, err := NewFallback(&stubEndpoint{err: errors.New("down")}, backup).Chat(ctx, ChatRequest{Message: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, backup.calls)
}

func TestFallbackOverHTTPClients(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": "from backup"}`))
	}))
	defer healthy.Close()

	f := NewFallback(NewClient(Options{BaseURL: broken.URL}), NewClient(Options{BaseURL: healthy.URL}))
	resp, err := f.Chat(context.Background(), ChatRequest{Message: "hi", UserID: "customer_bot"})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Response)
}
