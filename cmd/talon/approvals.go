// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/talon-dev/talon/internal/autonomy"
)

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review and resolve pending approval requests",
	}
	cmd.AddCommand(newApprovalsListCmd(), newApprovalsResolveCmd("approve"), newApprovalsResolveCmd("deny"))
	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("gateway")
			client := newGatewayClient(addr)

			var resp struct {
				Approvals []autonomy.Approval `json:"approvals"`
			}
			if err := client.getJSON("/api/v1/approvals", &resp); err != nil {
				return err
			}
			if len(resp.Approvals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tRISK\tREASON")
			for _, a := range resp.Approvals {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.ID, a.ToolName, a.RiskLevel, a.Reason)
			}
			return w.Flush()
		},
	}
}

func newApprovalsResolveCmd(action string) *cobra.Command {
	short := "Approve a pending request"
	if action == "deny" {
		short = "Deny a pending request"
	}
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("gateway")
			client := newGatewayClient(addr)

			var resp struct {
				Status string `json:"status"`
			}
			path := fmt.Sprintf("/api/v1/approvals/%s/%s", args[0], action)
			if err := client.postJSON(path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], resp.Status)
			return nil
		},
	}
}
