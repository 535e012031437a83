package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	classline "github.com/Classline-HQ/Classline/sdk/golang"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

// demoCmd walks the conversation flow against an in-memory store, so the
// SDK can be tried without credentials or a reachable backend.
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through a conversation offline, no account needed",
	Long:  "Run a scripted student/educator conversation against an in-memory store.\nShows list, select, send, read-state, and archive without touching the network.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := classline.NewMemoryStore()
		student := classline.Participant{ID: "stu-demo", Role: classline.RoleStudent, Name: "Demo Student"}
		educator := classline.Participant{ID: "edu-demo", Role: classline.RoleEducator, Name: "Demo Educator"}

		conv, err := store.GetOrCreateConversation(ctx, student, educator, classline.ScopeStudentEducator, "Welcome to Classline")
		if err != nil {
			return err
		}
		if _, err := store.SendMessage(ctx, classline.SendRequest{
			ConversationID: conv.ID,
			Sender:         educator,
			Receiver:       student,
			Text:           "Hi! This message was waiting for you.",
		}); err != nil {
			return err
		}

		m := classline.NewMessenger(store, store, classline.Session{
			UserID: student.ID,
			Role:   student.Role,
			Name:   student.Name,
		}, nil)
		if err := m.Start(ctx); err != nil {
			return err
		}
		defer m.Close()

		rows, err := m.Conversations(ctx, classline.ScopeStudentEducator, false)
		if err != nil {
			return err
		}
		fmt.Printf("Signed in as %s (%s)\n\n", student.Name, student.Role)
		fmt.Println("Conversations:")
		for _, c := range rows {
			fmt.Printf("  %s - %s (%d unread)\n", c.ID, c.Subject, c.UnreadFor(student.Role))
		}

		msgs, err := m.Select(ctx, classline.ScopeStudentEducator, rows[0])
		if err != nil {
			return err
		}
		fmt.Printf("\nOpened %q, marked read:\n", rows[0].Subject)
		for _, msg := range msgs {
			fmt.Printf("  [%s] %s\n", msg.SenderRole, msg.Text)
		}

		reply, err := m.Send(ctx, "Thanks, got it!")
		if err != nil {
			return err
		}
		fmt.Printf("\nSent reply %s to %s\n", reply.ID, reply.ReceiverID)

		if err := m.Archive(ctx, classline.ScopeStudentEducator, conv.ID); err != nil {
			return err
		}
		archived, err := m.Conversations(ctx, classline.ScopeStudentEducator, true)
		if err != nil {
			return err
		}
		fmt.Printf("\nArchived; archived partition now holds %d conversation(s)\n", len(archived))
		return nil
	},
}
