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
	messagesHistoryLimit int
	messagesHistoryJSON  bool

	messagesSendToID   string
	messagesSendToRole string
	messagesSendToName string
	messagesSendJSON   bool
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.AddCommand(messagesHistoryCmd)
	messagesCmd.AddCommand(messagesSendCmd)

	messagesHistoryCmd.Flags().IntVar(&messagesHistoryLimit, "limit", 0, "Show only the last N messages")
	messagesHistoryCmd.Flags().BoolVar(&messagesHistoryJSON, "json", false, "Output raw JSON")

	messagesSendCmd.Flags().StringVar(&messagesSendToID, "to", "", "Receiving party ID")
	messagesSendCmd.Flags().StringVar(&messagesSendToRole, "to-role", "", "Receiving party role")
	messagesSendCmd.Flags().StringVar(&messagesSendToName, "to-name", "", "Receiving party display name")
	messagesSendCmd.Flags().BoolVar(&messagesSendJSON, "json", false, "Output raw JSON")
	messagesSendCmd.MarkFlagRequired("to")
	messagesSendCmd.MarkFlagRequired("to-role")
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read and send messages",
}

// ============================================================================
// messages history
// ============================================================================

var messagesHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.Comms().ListMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesHistoryLimit > 0 && len(messages) > messagesHistoryLimit {
			messages = messages[len(messages)-messagesHistoryLimit:]
		}

		if messagesHistoryJSON {
			data, err := json.MarshalIndent(messages, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			fmt.Printf("[%s] %s (%s): %s\n",
				msg.CreatedAt.Format(time.RFC3339), msg.SenderID, msg.SenderRole, msg.Text)
		}
		return nil
	},
}

// ============================================================================
// messages send
// ============================================================================

var messagesSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message in a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		client := getClient()
		partyID, role := getIdentity()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Comms().SendMessage(ctx, classline.SendRequest{
			ConversationID: conversationID,
			Sender: classline.Participant{
				ID:   partyID,
				Role: role,
				Name: cfg.Auth.Name,
			},
			Receiver: classline.Participant{
				ID:   messagesSendToID,
				Role: classline.Role(messagesSendToRole),
				Name: messagesSendToName,
			},
			Text: text,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesSendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Text:       %s\n", msg.Text)
		return nil
	},
}
