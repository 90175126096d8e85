package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/task"
)

func newTasksCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and change the task board",
	}
	cmd.AddCommand(newTasksListCmd(cli), newTasksUpsertCmd(cli), newTasksTransitionCmd(cli), newTasksEventsCmd(cli))
	return cmd
}

func newTasksListCmd(cli *Client) *cobra.Command {
	var status, assignee, runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "status", status)
			setIf(q, "assigneeId", assignee)
			setIf(q, "runId", runID)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var page task.TaskPage
			if err := cli.get(cmd.Context(), "/api/tasks", q, &page); err != nil {
				return err
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(cli.Out, "no tasks")
				return nil
			}
			fmt.Fprintf(cli.Out, "%-36s %-30s %-12s %-8s\n", "ID", "TITLE", "STATUS", "VERSION")
			fmt.Fprintln(cli.Out, strings.Repeat("-", 90))
			for _, t := range page.Items {
				fmt.Fprintf(cli.Out, "%-36s %-30s %-12s %-8d\n",
					truncate(t.ID, 36),
					truncate(t.Title, 29),
					t.Status,
					t.Version,
				)
			}
			fmt.Fprintf(cli.Out, "\n%d of %d\n", len(page.Items), page.TotalCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee id")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func newTasksUpsertCmd(cli *Client) *cobra.Command {
	var title, assigneeType, assigneeID, reason string
	cmd := &cobra.Command{
		Use:   "upsert <task-id>",
		Short: "Create or update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"taskId": args[0]}
			setAny(body, "title", title)
			setAny(body, "assigneeType", assigneeType)
			setAny(body, "assigneeId", assigneeID)
			setAny(body, "reason", reason)
			var res task.MutationResult
			if err := cli.post(cmd.Context(), "/api/tasks", body, &res); err != nil {
				return err
			}
			return printMutation(cli, res)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&assigneeType, "assignee-type", "", "user, agent or agent_profile")
	cmd.Flags().StringVar(&assigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	return cmd
}

func newTasksTransitionCmd(cli *Client) *cobra.Command {
	var reason string
	var expected int
	cmd := &cobra.Command{
		Use:   "transition <task-id> <status>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"toStatus": args[1]}
			setAny(body, "reason", reason)
			if cmd.Flags().Changed("expected-version") {
				body["expectedVersion"] = expected
			}
			var res task.MutationResult
			if err := cli.post(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/transition", body, &res); err != nil {
				return err
			}
			return printMutation(cli, res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "reject unless the task is at this version")
	return cmd
}

func newTasksEventsCmd(cli *Client) *cobra.Command {
	var taskID, cursor string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the task event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "taskId", taskID)
			setIf(q, "cursor", cursor)
			var page task.EventPage
			if err := cli.get(cmd.Context(), "/api/tasks/events", q, &page); err != nil {
				return err
			}
			for _, ev := range page.Items {
				fmt.Fprintf(cli.Out, "%6d  %-20s %-36s %s\n", ev.Sequence, ev.EventType, ev.TaskID, ev.Reason)
			}
			if page.NextCursor != "" {
				fmt.Fprintf(cli.Out, "\nmore: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	return cmd
}

func printMutation(cli *Client, res task.MutationResult) error {
	if res.Status == task.MutationRejected {
		return fmt.Errorf("rejected: %s", res.Reason)
	}
	if res.Task != nil {
		fmt.Fprintf(cli.Out, "%s %s (status %s, version %d)\n", res.Status, res.Task.ID, res.Task.Status, res.Task.Version)
		return nil
	}
	fmt.Fprintln(cli.Out, res.Status)
	return nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setAny(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
