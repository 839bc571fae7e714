package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wxbridge/internal/browser"
	"wxbridge/internal/config"
	"wxbridge/internal/cursor"
	"wxbridge/internal/domain"
	"wxbridge/internal/monitor"
	"wxbridge/internal/relay"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wxbridge",
		Short: "wxbridge: WeChat bot-protocol relay",
		Long:  "wxbridge relays private WeChat messages to a bot backend over a reverse WebSocket.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wxbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(contactsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLogger applies the configured log level and optional log file. An
// unwritable log file falls back to stderr with a warning.
func buildLogger(level, file string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	out := io.Writer(os.Stderr)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", file, "err", err)
		} else {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (monitor + transport)",
		Long:  "Starts the contact monitor and the WebSocket transport. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	logger = buildLogger(cfg.General.LogLevel, cfg.General.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !browser.ProfileExists(cfg.Browser.ProfileDir) {
		logger.Warn("no saved chat session found, run 'wxbridge login' first", "profile", cfg.Browser.ProfileDir)
	}

	surface := browser.New(browser.Config{
		ProfileDir: cfg.Browser.ProfileDir,
		Headless:   cfg.Browser.Headless,
		Logger:     logger,
	})
	defer surface.Close()

	var cursorStore monitor.CursorStore
	if cfg.Cursors.Persist {
		cs, err := cursor.Open(cfg.Cursors.DBPath, logger)
		if err != nil {
			return fmt.Errorf("cursor store: %w", err)
		}
		defer cs.Close()
		cursorStore = cs
	}

	store := config.NewStore(cfg)
	sup := relay.New(store, surface, cursorStore, logger)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	logger.Info("relay started. Press Ctrl+C to stop.",
		"contacts", len(cfg.Contacts()),
		"transport", cfg.Transport.Enabled,
		"version", version)

	<-ctx.Done()
	logger.Info("shutting down relay...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Stop()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open browser to log in to WeChat Web",
		Long:  "Opens a visible Chrome window with the login QR code. The session is saved for later headless use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
				cfg = config.Defaults()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			surface := browser.New(browser.Config{
				ProfileDir: cfg.Browser.ProfileDir,
				Headless:   false,
				Logger:     logger,
			})
			return surface.Login(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}
			logger.Info("session", "profile", cfg.Browser.ProfileDir, "saved", browser.ProfileExists(cfg.Browser.ProfileDir))
			logger.Info("monitor", "enabled", cfg.Monitor.Enabled, "contacts", len(cfg.Contacts()), "pollInterval", cfg.PollIntervalString())
			logger.Info("transport", "enabled", cfg.Transport.Enabled, "url", cfg.Transport.WSURL, "selfId", cfg.Transport.SelfID)
			logger.Info("cursors", "persist", cfg.Cursors.Persist, "dbPath", cfg.Cursors.DBPath)
			return nil
		},
	}
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage monitored contacts",
		Long:  "List, add, remove, and import the contacts the monitor watches.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List monitored contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for _, c := range cfg.Contacts() {
				if c.UserID != "" {
					fmt.Printf("%s\t%s\n", c.Nickname, c.UserID)
				} else {
					fmt.Println(c.Nickname)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [nickname] [userId]",
		Short: "Add a contact (userId optional, digits only)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c := domain.Contact{Nickname: args[0]}
			if len(args) == 2 {
				c.UserID = args[1]
			}
			if err := c.Validate(); err != nil {
				return err
			}
			for _, existing := range cfg.Contacts() {
				if existing.Nickname == c.Nickname {
					return fmt.Errorf("contact %q already exists", c.Nickname)
				}
			}
			cfg.Monitor.Contacts = append(cfg.Monitor.Contacts, config.ContactEntry{
				Nickname: c.Nickname,
				UserID:   config.FlexString(c.UserID),
			})
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("contact added", "nickname", c.Nickname)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [nickname]",
		Short: "Remove a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			kept := cfg.Monitor.Contacts[:0]
			removed := false
			for _, e := range cfg.Monitor.Contacts {
				if e.Nickname == args[0] {
					removed = true
					continue
				}
				kept = append(kept, e)
			}
			if !removed {
				return fmt.Errorf("contact %q not found", args[0])
			}
			cfg.Monitor.Contacts = kept
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("contact removed", "nickname", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Import contacts from a YAML file (replaces the current list)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			contacts, err := config.LoadContactsFile(args[0], logger)
			if err != nil {
				return fmt.Errorf("import contacts: %w", err)
			}
			entries := make([]config.ContactEntry, 0, len(contacts))
			for _, c := range contacts {
				entries = append(entries, config.ContactEntry{
					Nickname: c.Nickname,
					UserID:   config.FlexString(c.UserID),
				})
			}
			cfg.Monitor.Contacts = entries
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("contacts imported", "count", len(entries), "file", args[0])
			return nil
		},
	})

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. transport.wsUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. monitor.pollIntervalMs 2000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
