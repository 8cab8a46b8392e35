// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/flightrec/pkg/errors"
	"github.com/tombee/flightrec/pkg/runstore"
)

const (
	storeTimeout  = 30 * time.Second
	tailBlock     = 10 * time.Second
	tailBatchSize = 100
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage runs",
		Long: `Commands for listing, inspecting, cancelling, and tailing runs.

Runs are asynchronous executions recorded in the run store by agent
workers. Each run carries a status, an optional result, a bounded trace
log, and a live event stream.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsStatusCommand())
	cmd.AddCommand(newRunsCancelCommand())
	cmd.AddCommand(newRunsTailCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var status string
	var user string
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Long: `List runs newest-first, optionally filtered by status or user.

See also: flightrec runs status, flightrec runs tail`,
		Example: `  # Example 1: List recent runs
  flightrec runs list

  # Example 2: Filter by status
  flightrec runs list --status running

  # Example 3: Runs for one user, as JSON
  flightrec runs list --user alice --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsList(cmd.Context(), status, user, limit, offset)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&user, "user", "", "Filter by user ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")

	return cmd
}

func newRunsStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run details",
		Long: `Display metadata, current status, cancellation state, and the stored
result for one run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsStatus(cmd.Context(), args[0])
		},
	}
}

func newRunsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `Request cancellation of a run. Workers observe the cancellation marker
on their next poll; the run's status moves to cancelled immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsCancel(cmd.Context(), args[0])
		},
	}
}

func newRunsTailCommand() *cobra.Command {
	var from string
	var follow bool

	cmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Stream run events",
		Long: `Print the events of a run's stream. With --follow the command keeps
long-polling for new events until the run reaches a terminal status or
the command is interrupted.`,
		Example: `  # Example 1: Print all events recorded so far
  flightrec runs tail abc123

  # Example 2: Follow a live run
  flightrec runs tail abc123 --follow

  # Example 3: Resume from a known position
  flightrec runs tail abc123 --from 1724680000000-5 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsTail(cmd.Context(), args[0], from, follow)
		},
	}

	cmd.Flags().StringVar(&from, "from", runstore.BeginningID, "Event ID to resume after")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep waiting for new events")

	return cmd
}

func runsList(ctx context.Context, status, user string, limit, offset int) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := runstore.ListFilter{
		Status: runstore.Status(status),
		UserID: user,
		Limit:  limit,
		Offset: offset,
	}
	if status != "" && !filter.Status.Valid() {
		return &errors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}

	runs, err := store.ListRuns(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"runs": runs})
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tUSER\tCREATED\tCOMPLETED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.Meta.RunID,
			run.Status,
			orDash(run.Meta.UserID),
			formatTime(&run.Meta.CreatedAt),
			formatTime(run.Meta.CompletedAt),
		)
	}
	return w.Flush()
}

func runsStatus(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	cancelled, err := store.IsCancelled(ctx, runID)
	if err != nil {
		return fmt.Errorf("reading cancellation marker: %w", err)
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"run":       run,
			"cancelled": cancelled,
		})
	}

	fmt.Printf("Run ID:     %s\n", run.Meta.RunID)
	fmt.Printf("Status:     %s\n", run.Status)
	if run.Meta.UserID != "" {
		fmt.Printf("User:       %s\n", run.Meta.UserID)
	}
	if run.Meta.URL != "" {
		fmt.Printf("URL:        %s\n", run.Meta.URL)
	}
	fmt.Printf("Created:    %s\n", formatTime(&run.Meta.CreatedAt))
	if run.Meta.StartedAt != nil {
		fmt.Printf("Started:    %s\n", formatTime(run.Meta.StartedAt))
	}
	if run.Meta.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", formatTime(run.Meta.CompletedAt))
	}
	if cancelled {
		fmt.Println("Cancelled:  yes")
	}
	if run.Result != nil {
		out, err := json.MarshalIndent(run.Result, "", "  ")
		if err == nil {
			fmt.Printf("Result:\n%s\n", out)
		}
	}
	return nil
}

func runsCancel(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Cancel(ctx, runID); err != nil {
		return fmt.Errorf("cancelling run: %w", err)
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"run_id": runID, "cancelled": true})
	}
	fmt.Printf("Cancellation requested for run %s\n", runID)
	return nil
}

func runsTail(ctx context.Context, runID, from string, follow bool) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	// Verify the run exists before entering the poll loop so typos fail
	// fast instead of blocking.
	if _, err := store.GetStatus(ctx, runID); err != nil {
		return fmt.Errorf("getting run: %w", err)
	}

	cursor := from
	for {
		block := time.Duration(0)
		if follow {
			block = tailBlock
		}

		events, err := store.ReadEvents(ctx, runID, cursor, tailBatchSize, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}

		for _, event := range events {
			printEvent(event)
			cursor = event.ID
		}

		if !follow && len(events) < tailBatchSize {
			return nil
		}

		if follow && len(events) == 0 {
			status, err := store.GetStatus(ctx, runID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("getting run status: %w", err)
			}
			if status.Terminal() {
				fmt.Printf("Run %s finished with status %s\n", runID, status)
				return nil
			}
		}
	}
}

func printEvent(event runstore.Event) {
	if flagJSON {
		out, err := json.Marshal(event)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode event: %v\n", err)
			return
		}
		fmt.Println(string(out))
		return
	}

	agent := event.AgentID
	if agent == "" {
		agent = "-"
	}
	line := fmt.Sprintf("[%s] %s (agent: %s)",
		event.Timestamp.Local().Format("15:04:05"), event.Type, agent)
	if len(event.Data) > 0 {
		if data, err := json.Marshal(event.Data); err == nil {
			line += " " + string(data)
		}
	}
	fmt.Println(line)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
