// Command conductor is the conductor CLI client. It talks to conductord over
// the HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverURL string
		token     string
	)
	cli := &Client{HTTPClient: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "conductor CLI",
		Long:          "conductor drives a conductord instance: tasks, automation runs and the scheduler queues.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
			cli.Token = token
			cli.Out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CONDUCTOR_SERVER", defaultServer), "server URL (or $CONDUCTOR_SERVER)")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("CONDUCTOR_TOKEN"), "JWT auth token (or $CONDUCTOR_TOKEN)")

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(cli),
		newStatusCmd(cli),
		newContractsCmd(cli),
		newTasksCmd(cli),
		newRunCmd(cli),
		newSchedulerCmd(cli),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}

func newLoginCmd(cli *Client) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a token; export it as CONDUCTOR_TOKEN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("CONDUCTOR_PASSWORD")
			}
			var resp struct {
				Token string `json:"token"`
			}
			body := map[string]string{"username": username, "password": password}
			if err := cli.post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cli.Out, resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "admin", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (or $CONDUCTOR_PASSWORD)")
	return cmd
}

func newStatusCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result map[string]any
			if err := cli.get(cmd.Context(), "/api/status", nil, &result); err != nil {
				return err
			}
			fmt.Fprintf(cli.Out, "status:  %s\n", strVal(result["status"]))
			fmt.Fprintf(cli.Out, "version: %s\n", strVal(result["version"]))
			if up := strVal(result["uptime"]); up != "" {
				fmt.Fprintf(cli.Out, "uptime:  %s\n", up)
			}
			return nil
		},
	}
}

func newContractsCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "contracts",
		Short: "List registered action contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var list []map[string]any
			if err := cli.get(cmd.Context(), "/api/contracts", nil, &list); err != nil {
				return err
			}
			for _, c := range list {
				fmt.Fprintln(cli.Out, strVal(c["schemaId"]))
			}
			return nil
		},
	}
}
