// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/replica"
)

// PullOptions holds flags for the pull command
type PullOptions struct {
	*RootOptions
}

// NewPullCommand creates the pull command
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull [scope...]",
		Short: "Fetch server changes into the local replica",
		Long: `Pull server changes incrementally for each scope. A scope is a table name,
optionally narrowed to one account ("records:<account-id>"). Without
arguments the configured scopes, or every table, are pulled.

An interrupted pull resumes from its saved cursor.

Examples:
  ledgersync pull
  ledgersync pull accounts records:acc-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, cmd, args)
		},
	}
	return cmd
}

func runPull(opts *PullOptions, cmd *cobra.Command, args []string) error {
	if err := opts.requireServer(); err != nil {
		return err
	}
	keys := args
	if len(keys) == 0 {
		keys = opts.config.Scopes
	}
	scopes, err := parseScopes(keys)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid scope", err)
	}

	ctx := context.Background()
	client, err := opts.openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	results, pullErr := client.Pull(ctx, scopes...)
	printErr := opts.out(cmd.OutOrStdout()).Result(results, func(w io.Writer) {
		keys := make([]string, 0, len(results))
		for k := range results {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r := results[k]
			fmt.Fprintf(w, "%-24s synced=%d deleted=%d pages=%d\n", k, r.Synced, r.Deleted, r.Pages)
		}
	})
	if pullErr != nil {
		return WrapExitError(ExitFailure, "pull failed", pullErr)
	}
	return printErr
}

// PushOptions holds flags for the push command
type PushOptions struct {
	*RootOptions
	Policy string // "none" | "keep-mine" | "keep-theirs" | "ask"
}

// NewPushCommand creates the push command
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replay queued mutations against the server",
		Long: `Replay pending mutations in the order they were made. An update whose
fields changed on the server since it was queued raises a conflict; the
policy decides how it is settled:

  none         leave the mutation pending and report the conflict
  keep-mine    keep the local values and queue them again
  keep-theirs  accept the server values and drop the mutation
  ask          prompt for each conflict on stdin

Exit codes:
  0 - Queue drained
  1 - Mutations failed or conflicts were left unresolved
  2 - Command error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Policy, "policy", "none", "conflict policy (none|keep-mine|keep-theirs|ask)")
	return cmd
}

func runPush(opts *PushOptions, cmd *cobra.Command) error {
	if err := opts.requireServer(); err != nil {
		return err
	}
	policy, err := conflictPolicy(opts.Policy, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid policy", err)
	}

	ctx := context.Background()
	client, err := opts.openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()
	client.Policy = policy

	res, pushErr := client.Push(ctx)
	if res == nil {
		return WrapExitError(ExitFailure, "push failed", pushErr)
	}
	printErr := opts.out(cmd.OutOrStdout()).Result(res, func(w io.Writer) {
		fmt.Fprintf(w, "processed=%d failed=%d conflicts=%d resolved=%d\n",
			res.Processed, res.Failed, res.Conflicts, len(res.Resolved))
		for _, c := range res.Unresolved {
			fmt.Fprintf(w, "unresolved %s %s/%s fields=%s\n",
				c.MutationID, c.Table, c.RecordID, strings.Join(c.ConflictingFields, ","))
		}
	})
	if pushErr != nil {
		return WrapExitError(ExitFailure, "push failed", pushErr)
	}
	if printErr != nil {
		return printErr
	}
	if res.Failed > 0 || len(res.Unresolved) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d failed, %d unresolved", res.Failed, len(res.Unresolved)))
	}
	return nil
}

// conflictPolicy maps a --policy value to a replica.ConflictPolicy; nil means none
func conflictPolicy(name string, in io.Reader, out io.Writer) (replica.ConflictPolicy, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "ask":
		return askPolicy(in, out), nil
	}
	resolution, err := replica.ParseResolution(name)
	if err != nil || resolution == replica.Merge {
		return nil, fmt.Errorf("unknown policy %q", name)
	}
	return replica.FixedPolicy(resolution), nil
}

// askPolicy prompts for each conflict: mine, theirs, or skip
func askPolicy(in io.Reader, out io.Writer) replica.ConflictPolicy {
	scanner := bufio.NewScanner(in)
	return replica.ConflictPolicyFunc(func(ctx context.Context, c *replica.Conflict) (replica.Resolution, map[string]replica.Side, bool, error) {
		fmt.Fprintf(out, "Conflict on %s/%s\n", c.Table, c.RecordID)
		for _, field := range c.ConflictingFields {
			fmt.Fprintf(out, "  %s: mine=%v theirs=%v\n", field, c.LocalValues[field], c.ServerValues[field])
		}
		for {
			fmt.Fprint(out, "Keep [m]ine, [t]heirs or [s]kip? ")
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return "", nil, false, err
				}
				return "", nil, false, nil
			}
			switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
			case "m", "mine":
				return replica.KeepMine, nil, true, nil
			case "t", "theirs":
				return replica.KeepTheirs, nil, true, nil
			case "s", "skip":
				return "", nil, false, nil
			}
		}
	})
}
