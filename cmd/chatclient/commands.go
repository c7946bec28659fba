package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/presence"
	"github.com/ewhamarket/chatclient/internal/terminal"
	"github.com/ewhamarket/chatclient/internal/transaction"
)

var historyCmd = &cobra.Command{
	Use:   "history <item>",
	Short: "Print the stored messages of an item's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		msgs, err := client.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(msgs))
		for k := range msgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := cmd.OutOrStdout()
		for _, k := range keys {
			m := msgs[k]
			if !m.Renderable() {
				continue
			}
			at, _ := presence.NormalizeJSON(m.Timestamp)
			line := fmt.Sprintf("%s %s:", terminal.Stamp(at), m.Sender)
			if m.Text != "" {
				line += " " + m.Text
			}
			if m.Image != "" {
				line += " [image " + m.Image + "]"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation>",
	Short: "Delete a conversation by its key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		if err := client.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the deal panel the current user would see for an item",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		page, query := pageFromFlags()
		id, err := identity.Resolve(page, query)
		if err != nil {
			return err
		}

		view := terminal.New(cmd.InOrStdin(), cmd.OutOrStdout())
		panel := transaction.NewPanel(client, view, id, page.LegacySold)
		return panel.Refresh(cmd.Context())
	},
}

func init() {
	addPageFlags(statusCmd)
}
