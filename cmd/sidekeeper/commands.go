package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/sidekeeper/internal/config"
	"github.com/loykin/sidekeeper/internal/host"
	"github.com/loykin/sidekeeper/internal/status"
	"github.com/loykin/sidekeeper/pkg/client"
	"github.com/spf13/cobra"
)

func runHost(cmd *cobra.Command, configPath string, f RunFlags) error {
	overrides := map[string]any{}
	if f.Binary != "" {
		overrides["backend.binary"] = f.Binary
	}
	if f.Port != 0 {
		overrides["backend.default_port"] = f.Port
	}
	cfg, err := config.LoadConfigWithOverrides(configPath, overrides)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := cfg.Log.NewSlogger()
	slog.SetDefault(logger)

	h, err := host.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting sidekeeper",
		"version", Version,
		"backend", cfg.Backend.Name,
		"binary", cfg.Backend.Binary,
		"listen", cfg.Server.Listen,
		"server", cfg.Server.Enabled)
	if err := h.Serve(ctx); err != nil {
		return err
	}
	logger.Info("Sidekeeper stopped")
	return nil
}

func newClient(f ClientFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

func runPort(cmd *cobra.Command, f ClientFlags) error {
	p, err := newClient(f).Port(cmd.Context())
	if err != nil {
		return fmt.Errorf("get port: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), p)
	return err
}

func runRestart(cmd *cobra.Command, f ClientFlags) error {
	queued, err := newClient(f).Restart(cmd.Context())
	if err != nil {
		return fmt.Errorf("restart backend: %w", err)
	}
	msg := "restart queued"
	if !queued {
		msg = "restart already pending"
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
	return err
}

func runStatus(cmd *cobra.Command, f ClientFlags) error {
	st, err := newClient(f).Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	out := cmd.OutOrStdout()
	if f.JSON {
		return printJSON(out, st)
	}
	current := "unknown"
	if st.Status != nil {
		current = st.Status.String()
	}
	_, err = fmt.Fprintf(out, "status:  %s\nhealthy: %t\nport:    %d\n", current, st.Healthy, st.Port)
	return err
}

func runWatch(cmd *cobra.Command, f ClientFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err := newClient(f).Watch(ctx, func(s status.Status) error {
		if f.JSON {
			return printJSON(out, s)
		}
		_, err := fmt.Fprintln(out, s)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}
