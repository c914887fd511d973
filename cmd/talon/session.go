// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/talon-dev/talon/internal/store"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect sessions on a running gateway",
	}
	cmd.AddCommand(newSessionListCmd(), newSessionShowCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("gateway")
			client := newGatewayClient(addr)

			var resp struct {
				Sessions []*store.Session `json:"sessions"`
			}
			if err := client.getJSON("/api/v1/sessions", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMESSAGES\tUPDATED")
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, s.Status, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("gateway")
			client := newGatewayClient(addr)

			var resp struct {
				Session  *store.Session   `json:"session"`
				Messages []*store.Message `json:"messages"`
			}
			if err := client.getJSON("/api/v1/sessions/"+args[0], &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s (%s), %d messages\n\n", resp.Session.ID, resp.Session.Status, resp.Session.MessageCount)
			for _, m := range resp.Messages {
				label := string(m.Role)
				if m.ToolName != "" {
					label += ":" + m.ToolName
				}
				fmt.Fprintf(out, "[%s] %s\n", label, m.Content)
			}
			return nil
		},
	}
}
