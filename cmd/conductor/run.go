package main

import (
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/conductor/automation"
)

func newRunCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an automation or a heartbeat tick through the gateways",
	}
	cmd.AddCommand(
		newRunRequestCmd(cli, "automation", "Run an automation from a JSON request file", "/api/automations/run"),
		newRunRequestCmd(cli, "heartbeat", "Run a heartbeat tick from a JSON request file", "/api/heartbeats/tick"),
	)
	return cmd
}

func newRunRequestCmd(cli *Client, use, short, path string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readJSONFile(file)
			if err != nil {
				return err
			}
			var out automation.Outcome
			if err := cli.post(cmd.Context(), path, body, &out); err != nil {
				return err
			}
			return cli.printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request JSON file, - for stdin")
	return cmd
}
