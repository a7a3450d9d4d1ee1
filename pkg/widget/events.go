package widget

import (
	"context"

	"github.com/sipeed/picochat/pkg/logger"
)

type EventKind int

const (
	EventLoad EventKind = iota
	EventClick
	EventKey
)

// Event is a UI input routed to the controller. Text is the current content
// of the input field.
type Event struct {
	Kind  EventKind
	Text  string
	Key   string
	Shift bool
}

// SubmitsOn reports whether a key press sends the message: Enter without Shift.
func SubmitsOn(key string, shift bool) bool {
	return key == "Enter" && !shift
}

// Handle subscribes the controller to the three widget inputs: load runs
// Init, a send-button click and Enter without Shift submit the input text.
// It returns true when a send was started.
func (c *Controller) Handle(ctx context.Context, ev Event) bool {
	switch ev.Kind {
	case EventLoad:
		if err := c.Init(ctx); err != nil {
			logger.WarnCF("widget", "Init finished with errors", map[string]interface{}{"error": err.Error()})
		}
		return false
	case EventClick:
		return c.Submit(ctx, ev.Text)
	case EventKey:
		if !SubmitsOn(ev.Key, ev.Shift) {
			return false
		}
		return c.Submit(ctx, ev.Text)
	default:
		return false
	}
}
