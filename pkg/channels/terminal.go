package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/sipeed/picochat/pkg/logger"
	"github.com/sipeed/picochat/pkg/widget"
)

const placeholderInterval = 400 * time.Millisecond

// TerminalChannel shows the widget as a full-screen tview application:
// transcript on top, input field and Send button below, status line last.
//
// Renderer calls never touch tview directly and never block: they update the
// state below and mark it dirty, and drawLoop copies it into the widgets on
// the event loop, which may not be running yet or any more.
type TerminalChannel struct {
	*BaseChannel
	backend widget.Backend
	title   string

	app        *tview.Application
	layout     *tview.Flex
	transcript *tview.TextView
	input      *tview.InputField
	send       *tview.Button
	status     *tview.TextView
	drawn      chan struct{}
	dirty      chan struct{}

	mu          sync.Mutex
	messages    []widget.Message
	placeholder bool
	frame       int
	stopAnim    chan struct{}
	lastReply   string
	health      string
	notice      string
	// pending one-shot effects, applied on the next sync
	clearInput, scroll, focus bool
	ctx                       context.Context
}

func NewTerminalChannel(deps Deps) *TerminalChannel {
	c := &TerminalChannel{
		BaseChannel: NewBaseChannel("terminal"),
		backend:     deps.Backend,
		title:       deps.Title,
		app:         tview.NewApplication(),
		drawn:       make(chan struct{}),
		dirty:       make(chan struct{}, 1),
		health:      "[gray]backend not checked[-]",
		ctx:         context.Background(),
	}
	c.bind(deps, c)
	c.build()
	return c
}

func (c *TerminalChannel) build() {
	c.transcript = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	c.transcript.SetBorder(true).SetTitle(" " + c.title + " ")

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetPlaceholder("Type your message...").
		SetFieldBackgroundColor(tcell.ColorDefault)
	c.input.SetInputCapture(c.captureKey)

	c.send = tview.NewButton("Send").SetSelectedFunc(func() {
		text := c.input.GetText()
		go c.controller.Handle(c.context(), widget.Event{Kind: widget.EventClick, Text: text})
	})

	c.send.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab || ev.Key() == tcell.KeyBacktab {
			c.app.SetFocus(c.input)
			return nil
		}
		return ev
	})

	c.status = tview.NewTextView().SetDynamicColors(true)

	inputRow := tview.NewFlex().
		AddItem(c.input, 0, 1, true).
		AddItem(c.send, 8, 0, false)

	c.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(c.transcript, 0, 1, false).
		AddItem(inputRow, 1, 0, true).
		AddItem(c.status, 1, 0, false)

	var once sync.Once
	c.app.SetAfterDrawFunc(func(tcell.Screen) {
		once.Do(func() { close(c.drawn) })
	})
	c.app.EnableMouse(true)
}

func (c *TerminalChannel) captureKey(ev *tcell.EventKey) *tcell.EventKey {
	switch ev.Key() {
	case tcell.KeyEnter:
		text := c.input.GetText()
		shift := ev.Modifiers()&tcell.ModShift != 0
		go c.controller.Handle(c.context(), widget.Event{
			Kind:  widget.EventKey,
			Key:   "Enter",
			Shift: shift,
			Text:  text,
		})
		return nil
	case tcell.KeyCtrlY:
		c.copyLastReply()
		return nil
	case tcell.KeyTab:
		c.app.SetFocus(c.send)
		return nil
	}
	return ev
}

func (c *TerminalChannel) copyLastReply() {
	c.mu.Lock()
	reply := c.lastReply
	c.mu.Unlock()
	if reply == "" {
		return
	}

	notice := "[green]copied last reply[-]"
	if err := clipboard.WriteAll(reply); err != nil {
		logger.WarnCF("terminal", "Failed to copy reply", map[string]interface{}{"error": err.Error()})
		notice = "[red]clipboard unavailable[-]"
	}
	c.mu.Lock()
	c.notice = notice
	c.mu.Unlock()
	c.invalidate()
}

func (c *TerminalChannel) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Run takes over the terminal until the user quits (Ctrl+C) or ctx ends.
func (c *TerminalChannel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.setRunning(true)
	defer c.setRunning(false)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		// Stop is a no-op until the loop has a screen.
		select {
		case <-c.drawn:
			c.app.Stop()
		case <-done:
		}
	}()

	go c.drawLoop(ctx)
	c.controller.Handle(ctx, widget.Event{Kind: widget.EventLoad})
	go c.refreshHealth(ctx)

	err := c.app.SetRoot(c.layout, true).SetFocus(c.input).Run()
	cancel()
	c.controller.Wait()
	return err
}

// drawLoop pushes state changes to the event loop, one sync per batch.
func (c *TerminalChannel) drawLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dirty:
			c.app.QueueUpdateDraw(c.sync)
		}
	}
}

func (c *TerminalChannel) invalidate() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// sync copies the channel state into the widgets. Runs on the event loop.
func (c *TerminalChannel) sync() {
	c.mu.Lock()
	text := renderTerminalTranscript(c.messages, c.placeholder, c.frame)
	status := renderTerminalStatus(c.controller.UserID(), c.health, c.notice)
	clearInput, scroll, focus := c.clearInput, c.scroll, c.focus
	c.clearInput, c.scroll, c.focus = false, false, false
	c.mu.Unlock()

	c.transcript.SetText(text)
	c.status.SetText(status)
	if clearInput {
		c.input.SetText("")
	}
	if scroll {
		c.transcript.ScrollToEnd()
	}
	if focus {
		c.app.SetFocus(c.input)
	}
}

func (c *TerminalChannel) refreshHealth(ctx context.Context) {
	hc, ok := c.backend.(healthChecker)
	if !ok {
		return
	}
	state := "[green]backend ok[-]"
	if err := hc.Health(ctx); err != nil {
		logger.WarnCF("terminal", "Backend health check failed", map[string]interface{}{"error": err.Error()})
		state = "[red]backend unreachable[-]"
	}
	c.mu.Lock()
	c.health = state
	c.mu.Unlock()
	c.invalidate()
}

func (c *TerminalChannel) AppendMessage(msg widget.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	if msg.Role == widget.RoleBot {
		c.lastReply = msg.Content
	}
	c.mu.Unlock()
	c.invalidate()
}

func (c *TerminalChannel) ShowPlaceholder() {
	c.mu.Lock()
	if c.placeholder {
		c.mu.Unlock()
		return
	}
	c.placeholder = true
	c.frame = 0
	stop := make(chan struct{})
	c.stopAnim = stop
	ctx := c.ctx
	c.mu.Unlock()

	go c.animate(ctx, stop)
	c.invalidate()
}

func (c *TerminalChannel) animate(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(placeholderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame++
			c.mu.Unlock()
			c.invalidate()
		}
	}
}

func (c *TerminalChannel) RemovePlaceholder() {
	c.mu.Lock()
	if !c.placeholder {
		c.mu.Unlock()
		return
	}
	c.placeholder = false
	close(c.stopAnim)
	c.stopAnim = nil
	c.mu.Unlock()
	c.invalidate()
}

func (c *TerminalChannel) ClearInput() {
	c.mu.Lock()
	c.clearInput = true
	c.mu.Unlock()
	c.invalidate()
}

func (c *TerminalChannel) ScrollToEnd() {
	c.mu.Lock()
	c.scroll = true
	c.mu.Unlock()
	c.invalidate()
}

func (c *TerminalChannel) Focus() {
	c.mu.Lock()
	c.focus = true
	c.mu.Unlock()
	c.invalidate()
}

// renderTerminalTranscript lays the transcript out as tview color-tagged text.
func renderTerminalTranscript(msgs []widget.Message, placeholder bool, frame int) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case widget.RoleSystem:
			fmt.Fprintf(&b, "[gray]%s[-]\n\n", tview.Escape(m.Content))
			continue
		case widget.RoleUser:
			b.WriteString("[green::b]You[-::-]")
		case widget.RoleBotError:
			b.WriteString("[red::b]Bot[-::-]")
		default:
			b.WriteString("[blue::b]Bot[-::-]")
		}
		fmt.Fprintf(&b, " [gray]%s[-]\n", m.Label())
		if m.Role == widget.RoleBotError {
			fmt.Fprintf(&b, "[red]%s[-]\n\n", tview.Escape(m.Content))
		} else {
			fmt.Fprintf(&b, "%s\n\n", tview.Escape(m.Content))
		}
	}
	if placeholder {
		b.WriteString("[blue::b]Bot[-::-]\n")
		b.WriteString(placeholderMarks(frame))
		b.WriteString("\n")
	}
	return b.String()
}

// renderTerminalStatus builds the bottom line. notice, when set, replaces the
// key hints.
func renderTerminalStatus(userID, health, notice string) string {
	hints := "[gray]Enter send · Ctrl+Y copy reply · Ctrl+C quit[-]"
	if notice != "" {
		hints = notice
	}
	return fmt.Sprintf("[gray]user %s[-]  %s  %s", tview.Escape(userID), health, hints)
}

// placeholderMarks draws the three typing marks with one of them highlighted.
func placeholderMarks(frame int) string {
	marks := []string{"[gray]•[-]", "[gray]•[-]", "[gray]•[-]"}
	marks[frame%3] = "[white]•[-]"
	return strings.Join(marks, " ")
}
