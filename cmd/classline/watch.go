package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	classline "github.com/Classline-HQ/Classline/sdk/golang"
	"github.com/spf13/cobra"
)

var watchSSE bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchSSE, "sse", false, "Use the SSE stream instead of WebSocket")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream conversation events live",
	Long:  "Connect to the realtime stream and print conversation, typing, and presence events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("no token; run 'classline init <token>' first")
		}

		client := clientFromConfig(cfg, cfg.Auth.Token)
		partyID, role := getIdentity()

		rtCfg := &classline.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		}

		// The subscribe context must outlive the connect call: the SSE
		// response body is tied to it for the life of the stream.
		ctx := context.Background()

		var handlers *classline.Handlers
		var disconnect func() error

		if watchSSE {
			stream := client.Comms().Realtime.ConnectSSE(rtCfg)
			if _, err := stream.SubscribeToConversationEvents(ctx, partyID, role, printConversationEvent); err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
			handlers = stream.Handlers()
			disconnect = stream.Disconnect
		} else {
			stream := client.Comms().Realtime.ConnectWS(rtCfg)
			if _, err := stream.SubscribeToConversationEvents(ctx, partyID, role, printConversationEvent); err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
			handlers = stream.Handlers()
			disconnect = stream.Disconnect
		}

		handlers.OnTyping(func(st classline.TypingState) {
			if st.IsTyping {
				fmt.Printf("[typing] %s is typing in %s\n", st.UserName, st.ConversationID)
			}
		})
		handlers.OnPresence(func(rec classline.PresenceRecord) {
			fmt.Printf("[presence] %s is %s\n", rec.UserName, rec.Status)
		})
		handlers.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("[reconnecting] attempt %d in %s\n", attempt, delay)
		})
		handlers.OnDisconnected(func(code int, reason string) {
			fmt.Printf("[disconnected] %d %s\n", code, reason)
		})

		fmt.Println("Watching for events. Press Ctrl+C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		return disconnect()
	},
}

func printConversationEvent(ev classline.ConversationEvent) {
	preview := ""
	if ev.Conversation != nil && ev.Conversation.LastMessagePreview != "" {
		preview = ": " + ev.Conversation.LastMessagePreview
	}
	fmt.Printf("[%s] conversation %s (%s)%s\n", ev.Type, ev.ConversationID, ev.Scope, preview)
}
