package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	caselink "github.com/Caselink-IM/Caselink/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool

	messagesLimit int
	messagesJSON  bool
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.RefreshConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = " - " + c.LastMessage.Body
			}
			fmt.Printf("  %s / %s%s%s\n", c.Counterparty.ID, c.Subject.ID, unread, preview)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <counterparty-id> <subject-id>",
	Short: "Show messages in a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := caselink.ConversationKey{CounterpartyID: args[0], SubjectID: args[1]}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, _, err := client.FetchMessages(ctx, key, "", messagesLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range msgs {
			marker := " "
			if !m.Read {
				marker = "*"
			}
			fmt.Printf("%s [%s] %s: %s\n", marker, m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Body)
			for _, a := range m.Attachments {
				fmt.Printf("    attachment: %s (%s, %d bytes)\n", a.FileName, a.MimeType, a.Size)
			}
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}
