package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowsync-dev/flowsync/internal/server"
	"github.com/flowsync-dev/flowsync/internal/templates"
)

func serveCmd() *cobra.Command {
	var (
		addr     string
		template string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration broker",
		Long: fmt.Sprintf(`Start the broker and serve the collaboration endpoint on /ws.

The first participant into an empty room seeds it with a diagram
template (override per connection with ?template=<name>).

Available templates: %s

Examples:
  flowsync serve
  flowsync serve --addr :9000 --template approval-workflow`, strings.Join(templates.Names(), ", ")),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, template, logLevel)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().StringVarP(&template, "template", "t", templates.Default, "Seed diagram template")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func runServe(addr, template, logLevel string) error {
	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if !templates.Valid(template) {
		return fmt.Errorf("unknown template %q (available: %s)", template, strings.Join(templates.Names(), ", "))
	}

	srv, err := server.New(&server.Config{
		Address:  addr,
		Template: template,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
