// picochat - support chat widget for the terminal and the browser
// Talks to a chat backend exposing POST /chat and GET /history.
//
// Environment variables:
//   PICOCHAT_CONFIG_PATH   - Config file path (default: ~/.picochat/config.json)
//   PICOCHAT_CONFIG_JSON   - Full config JSON (alternative to config file)
//   PICOCHAT_API_BASE_URL  - Backend base URL (overrides config)
// A .env file in the working directory is loaded first.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/sipeed/picochat/pkg/api"
	"github.com/sipeed/picochat/pkg/channels"
	"github.com/sipeed/picochat/pkg/config"
	"github.com/sipeed/picochat/pkg/logger"
	"github.com/sipeed/picochat/pkg/storage"
	"github.com/sipeed/picochat/pkg/widget"
)

func main() {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand builds from the config.
type app struct {
	configPath string
	apiURL     string

	cfg     *config.Config
	store   storage.Store
	backend api.Endpoint
}

// setup loads the config and opens storage and the backend client. Full-screen
// surfaces pass logToFile so log lines do not garble the display.
func (a *app) setup(logToFile bool) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.apiURL != "" {
		cfg.SetBaseURL(a.apiURL)
	}
	a.cfg = cfg

	logOpts := logger.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON}
	if logToFile {
		logOpts.File = cfg.LogFile()
	}
	if err := logger.Configure(logOpts); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.StoragePath())
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	a.store = store

	a.backend = newBackend(cfg)

	logger.DebugCF("main", "Configured", map[string]interface{}{
		"api":       cfg.API.BaseURL,
		"fallbacks": len(cfg.API.FallbackURLs),
		"storage":   cfg.Storage.Driver,
	})
	return nil
}

// newBackend builds the client for the primary base URL, wrapped with the
// configured fallbacks if there are any.
func newBackend(cfg *config.Config) api.Endpoint {
	client := func(baseURL string) *api.Client {
		return api.NewClient(api.Options{
			BaseURL:           baseURL,
			Timeout:           cfg.Timeout(),
			RequestsPerMinute: cfg.API.RequestsPerMinute,
		})
	}

	primary := client(cfg.API.BaseURL)
	if len(cfg.API.FallbackURLs) == 0 {
		return primary
	}
	fallbacks := make([]api.Endpoint, 0, len(cfg.API.FallbackURLs))
	for _, u := range cfg.API.FallbackURLs {
		fallbacks = append(fallbacks, client(u))
	}
	return api.NewFallback(primary, fallbacks...)
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.WarnCF("main", "Failed to close storage", map[string]interface{}{"error": err.Error()})
		}
	}
	logger.Close()
}

func (a *app) widgetOptions() widget.Options {
	return widget.Options{
		StorageKey:       a.cfg.Identity.StorageKey,
		DefaultIdentity:  a.cfg.Identity.Default,
		GenerateIdentity: a.cfg.Identity.Generate,
		Greeting:         a.cfg.Widget.Greeting,
	}
}

func (a *app) deps() channels.Deps {
	return channels.Deps{
		Backend: a.backend,
		Store:   a.store,
		Options: a.widgetOptions(),
		Title:   a.cfg.Widget.Title,
	}
}

// controller builds a headless controller for the one-shot commands.
func (a *app) controller(ctx context.Context) (*widget.Controller, error) {
	opts := a.widgetOptions()
	opts.Greeting = ""
	c := widget.NewController(a.backend, a.store, widget.NewTranscript(), opts)
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) historyFile() string {
	return filepath.Join(filepath.Dir(a.cfg.StoragePath()), "console_history")
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
