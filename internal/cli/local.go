// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/localstore"
)

// NewGetCommand creates the get command
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Print a record from the local replica",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := localstore.ParseTable(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid table", err)
			}
			ctx := context.Background()
			client, err := rootOpts.openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, ok, err := client.Store.Get(ctx, table, args[1])
			if err != nil {
				return err
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("%s/%s not found", table, args[1]))
			}
			// Records print as JSON in both formats
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

// ScopeStatus is one checkpoint as reported by the status command
type ScopeStatus struct {
	Scope         string     `json:"scope"`
	LastSyncAt    *time.Time `json:"last_sync_at"`
	Resumable     bool       `json:"resumable"`
	PullStartedAt *time.Time `json:"pull_started_at,omitempty"`
}

// StatusReport is the output of the status command
type StatusReport struct {
	Scopes []ScopeStatus            `json:"scopes"`
	Queue  localstore.MutationStats `json:"queue"`
	Rows   map[localstore.Table]int `json:"rows"`
}

// NewStatusCommand creates the status command
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync checkpoints, queue counts and replica sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := rootOpts.openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			report := StatusReport{Scopes: []ScopeStatus{}, Rows: map[localstore.Table]int{}}
			cps, err := client.Store.ListCheckpoints(ctx)
			if err != nil {
				return err
			}
			for _, cp := range cps {
				report.Scopes = append(report.Scopes, ScopeStatus{
					Scope:         cp.TableName,
					LastSyncAt:    cp.LastSyncAt,
					Resumable:     cp.InProgress(),
					PullStartedAt: cp.PullStartedAt,
				})
			}
			if report.Queue, err = client.Queue.Stats(ctx); err != nil {
				return err
			}
			for _, t := range localstore.Tables {
				n, err := client.Store.Count(ctx, t)
				if err != nil {
					return err
				}
				report.Rows[t] = n
			}

			return rootOpts.out(cmd.OutOrStdout()).Result(report, func(w io.Writer) {
				for _, s := range report.Scopes {
					last := "never"
					if s.LastSyncAt != nil {
						last = s.LastSyncAt.Format(time.RFC3339)
					}
					line := fmt.Sprintf("%-24s last_sync=%s", s.Scope, last)
					if s.Resumable {
						line += " (interrupted, will resume)"
					}
					fmt.Fprintln(w, line)
				}
				for _, t := range localstore.Tables {
					fmt.Fprintf(w, "%-24s rows=%d\n", t, report.Rows[t])
				}
				fmt.Fprintf(w, "queue pending=%d in-flight=%d failed=%d\n",
					report.Queue.Pending, report.Queue.InFlight, report.Queue.Failed)
			})
		},
	}
}

// ResetOptions holds flags for the reset command
type ResetOptions struct {
	*RootOptions
	Force bool
}

// NewResetCommand creates the reset command
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the local replica, checkpoints and queue",
		Long: `Delete every replicated row, sync checkpoint and queued mutation. The next
pull is a full resync. Queued changes that were not pushed are lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Force {
				return NewExitError(ExitCommandError, "reset discards unpushed changes; pass --force to confirm")
			}
			ctx := context.Background()
			client, err := opts.openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.ResetLocalData(ctx); err != nil {
				return err
			}
			return opts.out(cmd.OutOrStdout()).Result(map[string]bool{"reset": true}, func(w io.Writer) {
				fmt.Fprintln(w, "Local replica reset.")
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "confirm discarding local data")
	return cmd
}
