package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	caselink "github.com/Caselink-IM/Caselink/sdk/golang"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <counterparty-id> <subject-id>",
	Short: "Follow a conversation live",
	Long:  "Connect to the stream, open the conversation, and print messages, typing indicators, and presence changes as they arrive. Stop with Ctrl-C.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := caselink.ConversationKey{CounterpartyID: args[0], SubjectID: args[1]}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer client.Disconnect()
		fmt.Printf("Connected as %s\n", client.Self())

		printed := make(map[string]bool)
		unsub := client.Store().Subscribe(func(ch caselink.Change) {
			if ch.Kind != caselink.ChangeMessages || ch.Key != key {
				return
			}
			for _, m := range client.Store().GetMessages(key) {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.SenderID, m.Body)
			}
		})
		defer unsub()

		client.Presence().OnChange(func() {
			if typists := client.Presence().TypistsFor(key.SubjectID); len(typists) > 0 {
				fmt.Printf("-- typing: %s\n", strings.Join(typists, ", "))
			}
		})

		if err := client.OpenConversation(ctx, key); err != nil {
			return fmt.Errorf("open failed: %w", err)
		}
		defer client.CloseConversation(key)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nDisconnecting.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
