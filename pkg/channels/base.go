package channels

import (
	"context"
	"sync/atomic"

	"github.com/sipeed/picochat/pkg/storage"
	"github.com/sipeed/picochat/pkg/widget"
)

// Channel is a surface the chat widget is displayed on. Run blocks until the
// user leaves or ctx is cancelled.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
	IsRunning() bool
}

// Deps is what every channel needs to build its widget controller.
type Deps struct {
	Backend widget.Backend
	Store   storage.Store
	Options widget.Options
	Title   string
}

// healthChecker is implemented by backends that expose GET /health.
type healthChecker interface {
	Health(ctx context.Context) error
}

type BaseChannel struct {
	name       string
	controller *widget.Controller
	running    atomic.Bool
}

func NewBaseChannel(name string) *BaseChannel {
	return &BaseChannel{name: name}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// Controller exposes the widget controller driving this channel.
func (c *BaseChannel) Controller() *widget.Controller {
	return c.controller
}

func (c *BaseChannel) bind(deps Deps, view widget.Renderer) {
	c.controller = widget.NewController(deps.Backend, deps.Store, view, deps.Options)
}
