package widget

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picochat/pkg/api"
	"github.com/sipeed/picochat/pkg/storage"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []api.ChatRequest
	reply api.ChatResponse
	err   error

	// When release is set Chat signals started and blocks until release closes.
	started chan struct{}
	release chan struct{}

	history    *api.History
	historyErr error
	historyFor []string
}

func (f *fakeBackend) Chat(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.release != nil {
		close(f.started)
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	reply := f.reply
	return &reply, nil
}

func (f *fakeBackend) History(ctx context.Context, userID, query string) (*api.History, error) {
	f.mu.Lock()
	f.historyFor = append(f.historyFor, userID+"|"+query)
	f.mu.Unlock()
	return f.history, f.historyErr
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type failingStore struct{ *storage.MemoryStore }

func (failingStore) Set(context.Context, string, string) error { return errors.New("disk full") }

var fixedNow = func() time.Time { return time.Date(2024, 3, 1, 13, 5, 0, 0, time.Local) }

func newTestController(t *testing.T, backend Backend) (*Controller, *Transcript, storage.Store) {
	t.Helper()
	view := NewTranscript()
	store := storage.NewMemoryStore()
	c := NewController(backend, store, view, Options{Now: fixedNow})
	require.NoError(t, c.Init(context.Background()))
	return c, view, store
}

func storedIdentity(t *testing.T, s storage.Store) string {
	t.Helper()
	v, ok, err := s.Get(context.Background(), "chatbot_user_id")
	require.NoError(t, err)
	require.True(t, ok)
	return v
}

func TestInitAssignsDefaultIdentity(t *testing.T) {
	c, view, store := newTestController(t, &fakeBackend{})

	assert.Equal(t, "customer_bot", c.UserID())
	assert.Equal(t, "customer_bot", storedIdentity(t, store))
	assert.Empty(t, view.Messages())
	_, _, focuses := view.Counts()
	assert.Equal(t, 1, focuses)
}

func TestInitKeepsStoredIdentity(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "chatbot_user_id", "returning"))

	c := NewController(&fakeBackend{}, store, NewTranscript(), Options{GenerateIdentity: true})
	require.NoError(t, c.Init(ctx))
	assert.Equal(t, "returning", c.UserID())
}

func TestInitGeneratesIdentity(t *testing.T) {
	store := storage.NewMemoryStore()
	c := NewController(&fakeBackend{}, store, NewTranscript(), Options{GenerateIdentity: true})
	require.NoError(t, c.Init(context.Background()))

	_, err := uuid.Parse(c.UserID())
	assert.NoError(t, err)
	assert.Equal(t, c.UserID(), storedIdentity(t, store))
}

func TestInitGreetingIsSystemMessage(t *testing.T) {
	view := NewTranscript()
	c := NewController(&fakeBackend{}, storage.NewMemoryStore(), view, Options{Greeting: "Hi there", Now: fixedNow})
	require.NoError(t, c.Init(context.Background()))

	msgs := view.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "", msgs[0].Label())
}

func TestInitPersistFailureKeepsWidgetUsable(t *testing.T) {
	backend := &fakeBackend{reply: api.ChatResponse{Response: "ok"}}
	view := NewTranscript()
	c := NewController(backend, &failingStore{storage.NewMemoryStore()}, view, Options{})

	assert.Error(t, c.Init(context.Background()))
	assert.Equal(t, "customer_bot", c.UserID())
	assert.True(t, c.Send(context.Background(), "hello"))
	assert.Equal(t, RoleBot, view.Messages()[1].Role)
}

func TestSendSuccessAdoptsServerIdentity(t *testing.T) {
	backend := &fakeBackend{reply: api.ChatResponse{Response: "Hello!", UserID: "abc"}}
	c, view, store := newTestController(t, backend)

	assert.True(t, c.Send(context.Background(), "  hi there  "))

	require.Len(t, backend.calls, 1)
	assert.Equal(t, api.ChatRequest{Message: "hi there", UserID: "customer_bot"}, backend.calls[0])

	msgs := view.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Content: "hi there", Role: RoleUser, Time: fixedNow()}, msgs[0])
	assert.Equal(t, Message{Content: "Hello!", Role: RoleBot, Time: fixedNow()}, msgs[1])

	assert.Equal(t, "abc", c.UserID())
	assert.Equal(t, "abc", storedIdentity(t, store))
	assert.False(t, view.HasPlaceholder())
	assert.False(t, c.Busy())
}

func TestSendKeepsIdentityWhenResponseOmitsIt(t *testing.T) {
	backend := &fakeBackend{reply: api.ChatResponse{Response: "Sure."}}
	c, _, store := newTestController(t, backend)

	require.True(t, c.Send(context.Background(), "hi"))
	assert.Equal(t, "customer_bot", c.UserID())
	assert.Equal(t, "customer_bot", storedIdentity(t, store))
}

func TestSendBlankInputIsNoop(t *testing.T) {
	backend := &fakeBackend{reply: api.ChatResponse{Response: "never"}}
	c, view, _ := newTestController(t, backend)

	for _, text := range []string{"", " ", "\t\n  "} {
		assert.False(t, c.Send(context.Background(), text))
		assert.False(t, c.Submit(context.Background(), text))
	}

	assert.Empty(t, view.Messages())
	assert.Equal(t, 0, backend.callCount())
	clears, _, _ := view.Counts()
	assert.Equal(t, 0, clears)
}

func TestSendWhileInFlightIsDropped(t *testing.T) {
	backend := &fakeBackend{
		reply:   api.ChatResponse{Response: "first reply"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, view, _ := newTestController(t, backend)
	ctx := context.Background()

	require.True(t, c.Submit(ctx, "first"))
	<-backend.started

	assert.True(t, c.Busy())
	assert.True(t, view.HasPlaceholder())
	assert.False(t, c.Submit(ctx, "second"))
	assert.False(t, c.Send(ctx, "third"))
	assert.Len(t, view.Messages(), 1)
	assert.Equal(t, 1, backend.callCount())

	close(backend.release)
	c.Wait()

	msgs := view.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "first reply", msgs[1].Content)
	assert.False(t, c.Busy())
}

func TestSendFailureShowsApologyAndRearms(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	c, view, _ := newTestController(t, backend)

	require.True(t, c.Send(context.Background(), "hello"))

	msgs := view.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Content: ErrorReply, Role: RoleBotError, Time: fixedNow()}, msgs[1])
	assert.NotContains(t, msgs[1].Content, "connection refused")
	assert.False(t, c.Busy())
	assert.False(t, view.HasPlaceholder())

	backend.err = nil
	backend.reply = api.ChatResponse{Response: "back online"}
	require.True(t, c.Send(context.Background(), "again"))
	assert.Equal(t, "back online", view.Messages()[3].Content)
}

func TestSendAgainstHTTPBackend(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"response": "Hello!", "user_id": "abc"}`))
	}))
	defer srv.Close()

	c, view, store := newTestController(t, api.NewClient(api.Options{BaseURL: srv.URL}))

	// A non-2xx answer is a failure even with a well-formed body.
	require.True(t, c.Send(context.Background(), "hi"))
	assert.Equal(t, RoleBotError, view.Messages()[1].Role)
	assert.Equal(t, "customer_bot", storedIdentity(t, store))

	status.Store(http.StatusOK)
	require.True(t, c.Send(context.Background(), "hi again"))
	assert.Equal(t, Message{Content: "Hello!", Role: RoleBot, Time: fixedNow()}, view.Messages()[3])
	assert.Equal(t, "abc", storedIdentity(t, store))
}

// opsRecorder logs renderer calls in order.
type opsRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opsRecorder) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *opsRecorder) AppendMessage(msg Message) { r.add("append:" + string(msg.Role)) }
func (r *opsRecorder) ShowPlaceholder()          { r.add("placeholder") }
func (r *opsRecorder) RemovePlaceholder()        { r.add("remove_placeholder") }
func (r *opsRecorder) ClearInput()               { r.add("clear_input") }
func (r *opsRecorder) ScrollToEnd()              { r.add("scroll") }
func (r *opsRecorder) Focus()                    { r.add("focus") }

func TestSendRenderOrder(t *testing.T) {
	for name, backend := range map[string]*fakeBackend{
		"success": {reply: api.ChatResponse{Response: "ok"}},
		"failure": {err: errors.New("boom")},
	} {
		t.Run(name, func(t *testing.T) {
			rec := &opsRecorder{}
			c := NewController(backend, storage.NewMemoryStore(), rec, Options{})
			require.True(t, c.Send(context.Background(), "hi"))

			reply := "append:bot"
			if backend.err != nil {
				reply = "append:bot-error"
			}
			assert.Equal(t, []string{
				"clear_input",
				"append:user", "scroll",
				"placeholder", "scroll",
				"remove_placeholder",
				reply, "scroll",
				"scroll", "focus",
			}, rec.ops)
		})
	}
}

func TestFetchHistory(t *testing.T) {
	backend := &fakeBackend{history: api.NewHistory([]byte(`{"history": {"results": []}}`))}
	c, _, _ := newTestController(t, backend)

	h, ok := c.FetchHistory(context.Background(), "refund")
	require.True(t, ok)
	assert.JSONEq(t, `{"history": {"results": []}}`, string(h.Raw()))
	assert.Equal(t, []string{"customer_bot|refund"}, backend.historyFor)
}

func TestFetchHistoryFailureReturnsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _, _ := newTestController(t, api.NewClient(api.Options{BaseURL: srv.URL}))

	var (
		h  *api.History
		ok bool
	)
	assert.NotPanics(t, func() { h, ok = c.FetchHistory(context.Background(), "") })
	assert.False(t, ok)
	assert.Nil(t, h)
}

func TestForgetClearsStoredIdentity(t *testing.T) {
	c, _, store := newTestController(t, &fakeBackend{})

	require.NoError(t, c.Forget(context.Background()))
	assert.Equal(t, "", c.UserID())
	_, ok, err := store.Get(context.Background(), "chatbot_user_id")
	require.NoError(t, err)
	assert.False(t, ok)
}
