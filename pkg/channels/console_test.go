package channels

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picochat/pkg/widget"
)

func TestScriptedConsoleConversation(t *testing.T) {
	backend := &echoBackend{}
	var out bytes.Buffer
	in := strings.NewReader("hello\n   \n/whoami\n/quit\nnever sent\n")

	c := NewScriptedConsole(testDeps(backend), in, &out)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{"hello"}, backend.messages())
	assert.Equal(t, strings.Join([]string{
		"*** Hello! How can I help you today?",
		"[1:05 PM] you: hello",
		"[1:05 PM] bot: echo: hello",
		"*** you are customer_bot",
		"",
	}, "\n"), out.String())
	assert.False(t, c.IsRunning())
}

func TestScriptedConsoleBackendFailure(t *testing.T) {
	backend := &echoBackend{fail: true}
	var out bytes.Buffer

	c := NewScriptedConsole(testDeps(backend), strings.NewReader("hello\n"), &out)
	require.NoError(t, c.Run(context.Background()))

	assert.Contains(t, out.String(), "[1:05 PM] bot (error): "+widget.ErrorReply)
	assert.False(t, c.Controller().Busy())
}

// lineFeed hands out the queued lines, then io.EOF.
type lineFeed struct {
	mu    sync.Mutex
	lines []string
}

func (f *lineFeed) ReadLine() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lines) == 0 {
		return "", io.EOF
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInteractiveConsoleDrawsPlaceholder(t *testing.T) {
	backend := &echoBackend{}
	out := &syncBuffer{}

	c := NewConsoleChannel(testDeps(backend), &lineFeed{lines: []string{"hi"}}, out, true)
	require.NoError(t, c.Run(context.Background()))

	got := out.String()
	assert.Contains(t, got, "bot> ...")
	assert.Contains(t, got, "\r\033[2K[1:05 PM] bot: echo: hi")
	assert.Equal(t, []string{"hi"}, backend.messages())
}

func TestFormatConsoleLine(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "[12:00 PM] you: hi", formatConsoleLine(widget.Message{Role: widget.RoleUser, Content: "hi", Time: at}))
	assert.Equal(t, "[12:00 PM] bot: yo", formatConsoleLine(widget.Message{Role: widget.RoleBot, Content: "yo", Time: at}))
	assert.Equal(t, "*** welcome", formatConsoleLine(widget.Message{Role: widget.RoleSystem, Content: "welcome", Time: at}))
}
