package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	caselink "github.com/Caselink-IM/Caselink/sdk/golang"
	"github.com/spf13/cobra"
)

var sendFiles []string

var sendCmd = &cobra.Command{
	Use:   "send <counterparty-id> <subject-id> <body>",
	Short: "Send a message",
	Long:  "Send a message in the conversation identified by counterparty and subject.\nAttachments upload before the message is sent.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterpartyID, subjectID, body := args[0], args[1], args[2]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		var files []caselink.UploadFile
		for _, path := range sendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			files = append(files, caselink.UploadFile{
				FileName: filepath.Base(path),
				Data:     data,
			})
		}

		provisionalID, err := client.Send(ctx, caselink.SendOptions{
			ReceiverID: counterpartyID,
			SubjectID:  subjectID,
			Body:       body,
			Files:      files,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		msg, err := awaitConfirmation(ctx, client, provisionalID)
		if err != nil {
			return err
		}
		fmt.Printf("Message sent: %s\n", msg.ID)
		return nil
	},
}

// awaitConfirmation polls the local store until the send settles.
func awaitConfirmation(ctx context.Context, client *caselink.Client, provisionalID string) (caselink.Message, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return caselink.Message{}, fmt.Errorf("timed out waiting for confirmation")
		case <-ticker.C:
			_, msg, ok := client.Store().FindMessage(provisionalID)
			if !ok {
				return caselink.Message{}, fmt.Errorf("message disappeared from local store")
			}
			switch msg.Status {
			case caselink.SendConfirmed:
				return msg, nil
			case caselink.SendFailed:
				return caselink.Message{}, fmt.Errorf("send failed; message %s left in failed state", provisionalID)
			}
		}
	}
}

func init() {
	sendCmd.Flags().StringArrayVar(&sendFiles, "file", nil, "Attach a file (repeatable)")
	rootCmd.AddCommand(sendCmd)
}
