package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/sipeed/picochat/pkg/channels"
	"github.com/sipeed/picochat/pkg/config"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "picochat",
		Short:        "Support chat widget for the terminal and the browser",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdinIsTerminal() {
				return runTUI(cmd.Context(), a)
			}
			return runConsole(cmd.Context(), a)
		},
	}

	defaultPath := os.Getenv("PICOCHAT_CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = config.DefaultPath()
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultPath, "config file (.json, .yaml or .toml)")
	root.PersistentFlags().StringVar(&a.apiURL, "api", "", "chat backend base URL, e.g. http://localhost:5000/api")

	root.AddCommand(
		&cobra.Command{
			Use:   "tui",
			Short: "Full-screen chat window",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runTUI(cmd.Context(), a)
			},
		},
		&cobra.Command{
			Use:   "console",
			Short: "Line-by-line chat; reads stdin when it is not a terminal",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConsole(cmd.Context(), a)
			},
		},
		newWebCmd(a),
		newHistoryCmd(a),
		&cobra.Command{
			Use:   "whoami",
			Short: "Print the stored session identity",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.setup(false); err != nil {
					return err
				}
				defer a.close()
				c, err := a.controller(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), c.UserID())
				return nil
			},
		},
		&cobra.Command{
			Use:   "forget",
			Short: "Delete the stored session identity",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.setup(false); err != nil {
					return err
				}
				defer a.close()
				c, err := a.controller(cmd.Context())
				if err != nil {
					return err
				}
				prev := c.UserID()
				if err := c.Forget(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", prev)
				return nil
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Check that the chat backend is up",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.setup(false); err != nil {
					return err
				}
				defer a.close()
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				if err := a.backend.Health(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", a.cfg.API.BaseURL)
				return nil
			},
		},
		newConfigCmd(a),
	)
	return root
}

func runTUI(ctx context.Context, a *app) error {
	if err := a.setup(true); err != nil {
		return err
	}
	defer a.close()
	return channels.NewTerminalChannel(a.deps()).Run(ctx)
}

func runConsole(ctx context.Context, a *app) error {
	interactive := stdinIsTerminal()
	if err := a.setup(interactive); err != nil {
		return err
	}
	defer a.close()

	var ch channels.Channel
	if interactive {
		c, err := channels.NewInteractiveConsole(a.deps(), a.historyFile())
		if err != nil {
			return err
		}
		ch = c
	} else {
		ch = channels.NewScriptedConsole(a.deps(), os.Stdin, os.Stdout)
	}
	return ch.Run(ctx)
}

func newWebCmd(a *app) *cobra.Command {
	var showQR bool
	cmd := &cobra.Command{
		Use:   "web",
		Short: "Serve the widget to a browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(false); err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			c := channels.NewWebChatChannel(a.deps(), channels.WebChatOptions{
				Addr:     a.cfg.WebChatAddr(),
				Markdown: a.cfg.WebChat.Markdown,
				OnListen: func(url string) {
					fmt.Fprintf(out, "Chat widget at %s\n", url)
					if showQR {
						qrterminal.GenerateHalfBlock(url, qrterminal.L, out)
					}
				},
			})
			return c.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "print a QR code of the widget URL")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "history [query]",
		Short: "Show what the backend remembers about this session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(false); err != nil {
				return err
			}
			defer a.close()

			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			c, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			h, ok := c.FetchHistory(cmd.Context(), query)
			if !ok {
				return errors.New("could not fetch history")
			}

			out := cmd.OutOrStdout()
			if raw {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(h.Raw())
			}
			memories := h.Memories()
			if len(memories) == 0 {
				fmt.Fprintln(out, "no history")
				return nil
			}
			for _, m := range memories {
				fmt.Fprintf(out, "- %s\n", m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the backend payload as JSON")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", a.configPath)
			}
			cfg := config.DefaultConfig()
			if a.apiURL != "" {
				cfg.SetBaseURL(a.apiURL)
			}
			if err := config.SaveConfig(a.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
