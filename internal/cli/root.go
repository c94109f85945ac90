// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the ledgersync command line: pulling and pushing a
// local replica, inspecting the mutation queue and settling conflicts.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/remote"
	"github.com/mobiletoly/go-ledgersync/replica"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Server     string
	Database   string
	Format     string // "json" | "text"
	Verbose    bool

	config *FileConfig
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledgersync CLI
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgersync",
		Short: "Offline-first ledger replica",
		Long: `Keep a local replica of the ledger tables in sync with the server.

Changes are queued locally and replayed in order by push; pull fetches
server changes incrementally per table. The bearer token is read from
` + TokenEnv + `.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server base URL (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the local replica database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}

// load validates global flags and merges them over the config file
func (o *RootOptions) load(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}
	cfg := &FileConfig{}
	if o.ConfigPath != "" {
		loaded, err := LoadConfig(o.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if o.Server != "" {
		cfg.Server = o.Server
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if cfg.Database == "" {
		cfg.Database = "ledgersync.db"
	}
	o.config = cfg
	return nil
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openClient opens the replica and wires it to the configured server
func (o *RootOptions) openClient(ctx context.Context, cmd *cobra.Command) (*replica.Client, error) {
	token := remote.TokenFunc(func(ctx context.Context) (string, error) {
		return os.Getenv(TokenEnv), nil
	})

	var rem replica.Remote
	if o.config.Server != "" {
		rem = remote.NewClient(o.config.Server, token)
	}

	rcfg := o.config.ReplicaConfig()
	rcfg.Logger = o.logger(cmd)
	client, err := replica.Open(ctx, o.config.Database, rem, token, rcfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open replica", err)
	}
	return client, nil
}

// requireServer fails commands that need the network when no server is configured
func (o *RootOptions) requireServer() error {
	if o.config.Server == "" {
		return NewExitError(ExitCommandError, "no server configured (use --server or the config file)")
	}
	return nil
}

func (o *RootOptions) out(w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w}
}

// isValidFormat checks if the format is one of the allowed values
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
