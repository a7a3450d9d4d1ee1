package widget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picochat/pkg/api"
	"github.com/sipeed/picochat/pkg/storage"
)

func TestSubmitsOn(t *testing.T) {
	assert.True(t, SubmitsOn("Enter", false))
	assert.False(t, SubmitsOn("Enter", true))
	assert.False(t, SubmitsOn("a", false))
}

func TestHandleRoutesEvents(t *testing.T) {
	backend := &fakeBackend{reply: api.ChatResponse{Response: "ok"}}
	view := NewTranscript()
	c := NewController(backend, storage.NewMemoryStore(), view, Options{})
	ctx := context.Background()

	assert.False(t, c.Handle(ctx, Event{Kind: EventLoad}))
	assert.Equal(t, "customer_bot", c.UserID())

	assert.False(t, c.Handle(ctx, Event{Kind: EventKey, Key: "Enter", Shift: true, Text: "line one"}))
	assert.False(t, c.Handle(ctx, Event{Kind: EventKey, Key: "x", Text: "line one"}))
	assert.Equal(t, 0, backend.callCount())

	require.True(t, c.Handle(ctx, Event{Kind: EventKey, Key: "Enter", Text: "by key"}))
	c.Wait()
	require.True(t, c.Handle(ctx, Event{Kind: EventClick, Text: "by click"}))
	c.Wait()

	msgs := view.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "by key", msgs[0].Content)
	assert.Equal(t, "by click", msgs[2].Content)
	assert.Equal(t, 2, backend.callCount())
}
