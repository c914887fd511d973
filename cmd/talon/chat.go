// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/talon-dev/talon/internal/agent"
	"github.com/talon-dev/talon/internal/server"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

var (
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	approvalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message to the agent",
		Long:  "Send a message through a running gateway and print the turn's events.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}

	cmd.Flags().StringP("session", "s", "", "resume existing session by id")
	cmd.Flags().String("channel", "cli", "inbound channel name")
	cmd.Flags().String("target", "", "channel-specific target id")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	content := strings.TrimSpace(strings.Join(args, " "))
	if content == "" {
		return talonerr.New(talonerr.CodeCLIInputInvalid, "message is empty")
	}

	addr, _ := cmd.Flags().GetString("gateway")
	sessionID, _ := cmd.Flags().GetString("session")
	channel, _ := cmd.Flags().GetString("channel")
	target, _ := cmd.Flags().GetString("target")

	client := newGatewayClient(addr)
	var resp struct {
		Events []agent.Event `json:"events"`
	}
	err := client.postJSON("/api/v1/process", server.ProcessRequest{
		Content:   content,
		SessionID: sessionID,
		Channel:   channel,
		Target:    target,
	}, &resp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, ev := range resp.Events {
		switch ev.Kind {
		case agent.EventSessionAssigned:
			fmt.Fprintln(out, dimStyle.Render("session: "+ev.SessionID))
		case agent.EventTextDelta:
			fmt.Fprint(out, ev.Text)
		case agent.EventToolCallStarted:
			fmt.Fprintln(out, toolStyle.Render(fmt.Sprintf("→ %s %s", ev.ToolName, ev.ToolArgs)))
		case agent.EventToolResult:
			line := fmt.Sprintf("← %s (%d bytes)", ev.ToolName, len(ev.Content))
			if ev.IsError {
				fmt.Fprintln(out, errorStyle.Render(line+" [error]"))
			} else {
				fmt.Fprintln(out, toolStyle.Render(line))
			}
		case agent.EventApprovalRequired:
			fmt.Fprintln(out, approvalStyle.Render(fmt.Sprintf(
				"⚠ approval required for %s (risk %d): %s\n  resolve with: talon approvals approve %s",
				ev.ToolName, ev.RiskLevel, ev.Reason, ev.ApprovalID)))
		case agent.EventUsage:
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf(
				"tokens: %d in / %d out ($%.4f)", ev.InputTokens, ev.OutputTokens, ev.CostUSD)))
		case agent.EventError:
			fmt.Fprintln(out, errorStyle.Render("error: "+ev.Error))
		case agent.EventDone:
			fmt.Fprintln(out)
		}
	}
	return nil
}
