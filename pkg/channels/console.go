package channels

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ergochat/readline"

	"github.com/sipeed/picochat/pkg/widget"
)

// LineReader yields one line of user input per call and io.EOF at the end.
type LineReader interface {
	ReadLine() (string, error)
}

// ConsoleChannel is the line-oriented widget: each input line is a send,
// transcript entries are printed as they are appended.
type ConsoleChannel struct {
	*BaseChannel
	in  LineReader
	out io.Writer
	// interactive consoles keep reading while a request is in flight and
	// draw the placeholder with ANSI escapes; piped input is sent line by line.
	interactive bool

	mu          sync.Mutex
	placeholder bool
	closer      io.Closer
}

// NewInteractiveConsole reads from a readline prompt on the controlling terminal.
func NewInteractiveConsole(deps Deps, historyFile string) (*ConsoleChannel, error) {
	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("starting readline: %w", err)
	}
	c := NewConsoleChannel(deps, rl, rl, true)
	c.closer = rl
	return c, nil
}

// NewScriptedConsole reads lines from r (typically a pipe) and writes to w.
func NewScriptedConsole(deps Deps, r io.Reader, w io.Writer) *ConsoleChannel {
	return NewConsoleChannel(deps, &scannerReader{s: bufio.NewScanner(r)}, w, false)
}

func NewConsoleChannel(deps Deps, in LineReader, out io.Writer, interactive bool) *ConsoleChannel {
	c := &ConsoleChannel{
		BaseChannel: NewBaseChannel("console"),
		in:          in,
		out:         out,
		interactive: interactive,
	}
	c.bind(deps, c)
	return c
}

// Run reads until EOF, "/quit" or an interrupt on an empty line.
func (c *ConsoleChannel) Run(ctx context.Context) error {
	c.setRunning(true)
	defer c.setRunning(false)
	if c.closer != nil {
		defer c.closer.Close()
	}

	c.controller.Handle(ctx, widget.Event{Kind: widget.EventLoad})

	var runErr error
loop:
	for ctx.Err() == nil {
		line, err := c.in.ReadLine()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				break loop
			}
			continue
		case errors.Is(err, io.EOF):
			break loop
		case err != nil:
			runErr = err
			break loop
		}

		switch strings.TrimSpace(line) {
		case "/quit", "/exit":
			break loop
		case "/whoami":
			c.printf("*** you are %s\n", c.controller.UserID())
			continue
		}

		if c.interactive {
			c.controller.Handle(ctx, widget.Event{Kind: widget.EventKey, Key: "Enter", Text: line})
		} else {
			c.controller.Send(ctx, line)
		}
	}

	c.controller.Wait()
	return runErr
}

func (c *ConsoleChannel) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *ConsoleChannel) AppendMessage(msg widget.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.placeholder && c.interactive {
		fmt.Fprint(c.out, "\r\033[2K")
	}
	fmt.Fprintln(c.out, formatConsoleLine(msg))
	if c.placeholder && c.interactive {
		fmt.Fprint(c.out, "bot> ...")
	}
}

func (c *ConsoleChannel) ShowPlaceholder() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placeholder = true
	if c.interactive {
		fmt.Fprint(c.out, "bot> ...")
	}
}

func (c *ConsoleChannel) RemovePlaceholder() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.placeholder && c.interactive {
		fmt.Fprint(c.out, "\r\033[2K")
	}
	c.placeholder = false
}

// ClearInput is a no-op: the reader has already consumed the line.
func (c *ConsoleChannel) ClearInput() {}

// ScrollToEnd is a no-op: the terminal scrolls by itself.
func (c *ConsoleChannel) ScrollToEnd() {}

func (c *ConsoleChannel) Focus() {
	if r, ok := c.in.(interface{ Refresh() }); ok {
		r.Refresh()
	}
}

func formatConsoleLine(msg widget.Message) string {
	switch msg.Role {
	case widget.RoleSystem:
		return "*** " + msg.Content
	case widget.RoleUser:
		return fmt.Sprintf("[%s] you: %s", msg.Label(), msg.Content)
	case widget.RoleBotError:
		return fmt.Sprintf("[%s] bot (error): %s", msg.Label(), msg.Content)
	default:
		return fmt.Sprintf("[%s] bot: %s", msg.Label(), msg.Content)
	}
}

type scannerReader struct {
	s *bufio.Scanner
}

func (r *scannerReader) ReadLine() (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
