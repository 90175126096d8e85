package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/scheduler"
)

func newSchedulerCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Submit scheduler events and work the retry and dead-letter queues",
	}
	cmd.AddCommand(
		newSchedulerSubmitCmd(cli),
		newSchedulerQueueCmd(cli),
		newSchedulerActionCmd(cli, scheduler.ActionRequeue, "Remove an entry and process its next attempt"),
		newSchedulerActionCmd(cli, scheduler.ActionDismiss, "Remove an entry without reprocessing it"),
		newSchedulerReplayCmd(cli),
	)
	return cmd
}

func newSchedulerSubmitCmd(cli *Client) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Process one scheduler event from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readJSONFile(file)
			if err != nil {
				return err
			}
			var res scheduler.ProcessResult
			if err := cli.post(cmd.Context(), "/api/scheduler/events", body, &res); err != nil {
				return err
			}
			return cli.printJSON(res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "event JSON file, - for stdin")
	return cmd
}

func newSchedulerQueueCmd(cli *Client) *cobra.Command {
	var runStatus, runID, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:       "queue <processed|retry|dead_letter>",
		Short:     "List a scheduler queue with its summary",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(scheduler.QueueProcessed), string(scheduler.QueueRetry), string(scheduler.QueueDeadLetter)},
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "runStatus", runStatus)
			setIf(q, "runId", runID)
			setIf(q, "cursor", cursor)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var page scheduler.QueuePage
			if err := cli.get(cmd.Context(), "/api/scheduler/queues/"+url.PathEscape(args[0]), q, &page); err != nil {
				return err
			}
			printQueue(cli, page)
			return nil
		},
	}
	cmd.Flags().StringVar(&runStatus, "run-status", "", "filter by run status")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func printQueue(cli *Client, page scheduler.QueuePage) {
	s := page.Summary
	fmt.Fprintf(cli.Out, "queue %s: %d entries, %d runs\n", page.Queue, s.Total, s.UniqueRuns)
	if s.NextRetryAtMs != nil {
		fmt.Fprintf(cli.Out, "next retry: %s\n", time.UnixMilli(*s.NextRetryAtMs).UTC().Format(time.RFC3339))
	}
	if len(page.Items) == 0 {
		return
	}
	fmt.Fprintf(cli.Out, "\n%-6s %-36s %-10s %-8s %-16s %s\n", "SEQ", "EVENT", "RUN", "ATTEMPT", "DISPOSITION", "REASON")
	fmt.Fprintln(cli.Out, strings.Repeat("-", 100))
	for _, e := range page.Items {
		fmt.Fprintf(cli.Out, "%-6d %-36s %-10s %-8s %-16s %s\n",
			e.Sequence,
			truncate(e.EventID, 36),
			truncate(e.RunID, 10),
			fmt.Sprintf("%d/%d", e.Attempt, e.MaxAttempts),
			e.Disposition,
			e.Reason,
		)
	}
	if page.NextCursor != "" {
		fmt.Fprintf(cli.Out, "\nmore: --cursor %s\n", page.NextCursor)
	}
}

func newSchedulerActionCmd(cli *Client, action scheduler.QueueAction, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <retry|dead_letter> <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"action": action, "eventId": args[1]}
			var res map[string]any
			path := "/api/scheduler/queues/" + url.PathEscape(args[0]) + "/actions"
			if err := cli.post(cmd.Context(), path, body, &res); err != nil {
				return err
			}
			return cli.printJSON(res)
		},
	}
}

func newSchedulerReplayCmd(cli *Client) *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-apply recorded run links to the task board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res map[string]any
			body := map[string]any{"fromSequence": from}
			if err := cli.post(cmd.Context(), "/api/scheduler/run-links/replay", body, &res); err != nil {
				return err
			}
			return cli.printJSON(res)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first ledger sequence to replay")
	return cmd
}
