package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/kubeprov/client"
	"github.com/izavyalov-dev/kubeprov/protocol"
)

func newInvokeCmd(opts *rootOptions) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "invoke <endpoint>",
		Short: "Run an install action on a server and print its logs",
		Example: `  kubeprov invoke install-docker --target node-group-1
  kubeprov invoke uninstall-kubernetes-kubespray`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().Invoke(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range result.Logs {
				fmt.Fprintln(out, line)
			}
			if !result.Succeeded() {
				return fmt.Errorf("request %d: %w", result.RequestID, errRequestFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target node-group (default: server's default target)")
	return cmd
}

func newRequestsCmd(opts *rootOptions) *cobra.Command {
	var (
		query  client.RequestQuery
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "requests [id]",
		Short: "List provisioning requests, newest first, or show one with its logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid request id %q", args[0])
				}
				view, err := c.GetRequest(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), view)
				}
				writeRequests(cmd.OutOrStdout(), []protocol.RequestView{view})
				for _, line := range view.Logs {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			}

			views, err := c.ListRequests(cmd.Context(), query)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			writeRequests(cmd.OutOrStdout(), views)
			return nil
		},
	}
	cmd.Flags().StringVar(&query.Status, "status", "", "filter by status (PENDING, RUNNING, SUCCEEDED, FAILED)")
	cmd.Flags().StringVar(&query.Kind, "kind", "", "filter by target kind (backend, frontend)")
	cmd.Flags().StringVar(&query.Target, "target", "", "filter by target id")
	cmd.Flags().IntVar(&query.Limit, "limit", 50, "maximum number of requests")
	cmd.Flags().BoolVar(&query.Logs, "logs", false, "include logs (with --json)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newActionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the actions a server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			views, err := opts.client().Actions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENDPOINT\tFAMILY\tDESCRIPTION")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.Endpoint, v.Family, v.Description)
			}
			return w.Flush()
		},
	}
}

func writeRequests(out io.Writer, views []protocol.RequestView) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tKIND\tACTION\tSTATUS\tCREATED")
	for _, v := range views {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.TargetID, v.TargetKind, v.Action, v.Status, v.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
