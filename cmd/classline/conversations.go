package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	classline "github.com/Classline-HQ/Classline/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	conversationsListScope    string
	conversationsListArchived bool
	conversationsListJSON     bool

	conversationsDeleteYes bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
	conversationsCmd.AddCommand(conversationsUnarchiveCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)

	conversationsListCmd.Flags().StringVar(&conversationsListScope, "scope", "", "Filter by scope (e.g. student-educator)")
	conversationsListCmd.Flags().BoolVar(&conversationsListArchived, "archived", false, "List the archived partition")
	conversationsListCmd.Flags().BoolVar(&conversationsListJSON, "json", false, "Output raw JSON")

	conversationsDeleteCmd.Flags().BoolVar(&conversationsDeleteYes, "yes", false, "Skip the confirmation prompt")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversations",
	Long:  "List and manage the signed-in party's conversations.",
}

// ============================================================================
// conversations list
// ============================================================================

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		partyID, role := getIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Comms().ListConversations(ctx, partyID, role, conversationsListArchived)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsListScope != "" {
			scope := classline.Scope(conversationsListScope)
			filtered := conversations[:0]
			for _, c := range conversations {
				if c.Scope == scope {
					filtered = append(filtered, c)
				}
			}
			conversations = filtered
		}

		if conversationsListJSON {
			data, err := json.MarshalIndent(conversations, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if n := c.UnreadFor(role); n > 0 {
				unread = fmt.Sprintf(" (%d unread)", n)
			}
			p := c.OtherParty(partyID)
			other := fmt.Sprintf("%s (%s)", p.Name, p.Role)
			fmt.Printf("  %s: %s - %s%s\n", c.ID, other, c.Subject, unread)
			if c.LastMessagePreview != "" {
				fmt.Printf("      %s\n", c.LastMessagePreview)
			}
		}
		return nil
	},
}

// ============================================================================
// conversations archive / unarchive
// ============================================================================

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Comms().ArchiveConversation(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s archived.\n", args[0])
		return nil
	},
}

var conversationsUnarchiveCmd = &cobra.Command{
	Use:   "unarchive <conversation-id>",
	Short: "Move a conversation back to the active list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Comms().UnarchiveConversation(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s unarchived.\n", args[0])
		return nil
	},
}

// ============================================================================
// conversations delete
// ============================================================================

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Remove a conversation from your list",
	Long:  "Remove a conversation from the signed-in party's list. The other party keeps their copy.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !conversationsDeleteYes {
			return fmt.Errorf("deleting hides the conversation from your account; re-run with --yes to confirm")
		}

		client := getClient()
		partyID, role := getIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Comms().DeleteConversationForParty(ctx, args[0], partyID, role); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s removed from your list.\n", args[0])
		return nil
	},
}
