// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/localstore"
	"github.com/mobiletoly/go-ledgersync/replica"
)

// EnqueueOptions holds flags for the enqueue command
type EnqueueOptions struct {
	*RootOptions
	QueueOnly bool // queue without writing the optimistic local change
}

// NewEnqueueCommand creates the enqueue command
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <table> <create|update|delete> <record-id> [json]",
		Short: "Record a local change and queue it for push",
		Long: `Apply a change to the local replica and queue it for replay. Use "-" as
the record id of a create to have one generated.

Examples:
  ledgersync enqueue sellers create - '{"name":"Ann"}'
  ledgersync enqueue records update rec-1 '{"qty":2}'
  ledgersync enqueue records delete rec-1`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.QueueOnly, "queue-only", false, "queue the mutation without changing the local replica")
	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command, args []string) error {
	table, err := localstore.ParseTable(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid table", err)
	}
	op := localstore.Operation(args[1])
	if !op.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid operation %q", args[1]))
	}
	recordID := args[2]
	if recordID == "-" {
		recordID = ""
	}
	var data map[string]any
	if len(args) == 4 {
		if err := json.Unmarshal([]byte(args[3]), &data); err != nil {
			return WrapExitError(ExitCommandError, "invalid JSON payload", err)
		}
	}

	ctx := context.Background()
	client, err := opts.openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.Queue.Enqueue(ctx, table, recordID, op, data)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}
	m, _, err := client.Store.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if !opts.QueueOnly {
		if err := applyLocal(ctx, client.Store, m); err != nil {
			return err
		}
	}

	return opts.out(cmd.OutOrStdout()).Result(m, func(w io.Writer) {
		fmt.Fprintf(w, "queued %s %s %s/%s\n", m.ID, m.Operation, m.Table, m.RecordID)
	})
}

// applyLocal writes the optimistic local effect of a queued mutation
func applyLocal(ctx context.Context, store *localstore.Store, m *localstore.Mutation) error {
	return store.Update(ctx, func(tx *localstore.Tx) error {
		switch m.Operation {
		case localstore.OpDelete:
			return tx.BulkDelete(ctx, m.Table, []string{m.RecordID})
		case localstore.OpCreate:
			return tx.BulkPut(ctx, m.Table, []localstore.Record{localstore.Record(m.Data).Patch(map[string]any{"id": m.RecordID})})
		default:
			rec, ok, err := tx.Get(ctx, m.Table, m.RecordID)
			if err != nil {
				return err
			}
			if !ok {
				rec = localstore.Record{"id": m.RecordID}
			}
			return tx.BulkPut(ctx, m.Table, []localstore.Record{rec.Patch(m.Data)})
		}
	})
}

// PendingOptions holds flags for the pending command
type PendingOptions struct {
	*RootOptions
	Statuses []string
}

// NewPendingCommand creates the pending command
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only show these statuses (pending|in-flight|failed)")
	return cmd
}

func runPending(opts *PendingOptions, cmd *cobra.Command) error {
	statuses := make([]localstore.MutationStatus, 0, len(opts.Statuses))
	for _, s := range opts.Statuses {
		status := localstore.MutationStatus(s)
		switch status {
		case localstore.StatusPending, localstore.StatusInFlight, localstore.StatusFailed:
			statuses = append(statuses, status)
		default:
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", s))
		}
	}

	ctx := context.Background()
	client, err := opts.openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	list, err := client.Queue.List(ctx, statuses...)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*localstore.Mutation{}
	}
	return opts.out(cmd.OutOrStdout()).Result(list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No queued mutations.")
			return
		}
		for _, m := range list {
			line := fmt.Sprintf("%s %-9s %-6s %s/%s retries=%d", m.ID, m.Status, m.Operation, m.Table, m.RecordID, m.RetryCount)
			if m.LastError != nil {
				line += " error=" + *m.LastError
			}
			fmt.Fprintln(w, line)
		}
	})
}

// NewRetryCommand creates the retry command
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Reset a failed mutation and push again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.requireServer(); err != nil {
				return err
			}
			ctx := context.Background()
			client, err := rootOpts.openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ok, err := client.Queue.RetryMutation(ctx, args[0])
			if err != nil {
				return queueCommandError("retry", err)
			}
			result := map[string]any{"id": args[0], "processed": ok}
			if printErr := rootOpts.out(cmd.OutOrStdout()).Result(result, func(w io.Writer) {
				if ok {
					fmt.Fprintf(w, "%s replayed\n", args[0])
				} else {
					fmt.Fprintf(w, "%s did not go through; see pending --status failed\n", args[0])
				}
			}); printErr != nil {
				return printErr
			}
			if !ok {
				return NewExitError(ExitFailure, "mutation was not processed")
			}
			return nil
		},
	}
}

// NewDiscardCommand creates the discard command
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a failed mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := rootOpts.openClient(ctx, cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Queue.DiscardMutation(ctx, args[0]); err != nil {
				return queueCommandError("discard", err)
			}
			return rootOpts.out(cmd.OutOrStdout()).Result(map[string]any{"id": args[0], "discarded": true}, func(w io.Writer) {
				fmt.Fprintf(w, "%s discarded\n", args[0])
			})
		},
	}
}

func queueCommandError(op string, err error) error {
	if errors.Is(err, replica.ErrMutationNotFound) || errors.Is(err, replica.ErrNotFailed) {
		return WrapExitError(ExitCommandError, "cannot "+op, err)
	}
	return WrapExitError(ExitFailure, op+" failed", err)
}
