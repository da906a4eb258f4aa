package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	caselink "github.com/Caselink-IM/Caselink/sdk/golang"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connectivity to the configured endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		err := client.Connect(ctx)
		if err != nil {
			var authErr *caselink.AuthError
			var connErr *caselink.ConnectionError
			switch {
			case errors.As(err, &authErr):
				fmt.Println("Stream:  REJECTED (identity not accepted)")
			case errors.As(err, &connErr):
				fmt.Println("Stream:  UNREACHABLE")
			default:
				fmt.Println("Stream:  ERROR")
			}
			return err
		}
		defer client.Disconnect()

		fmt.Println("Stream:  CONNECTED")
		fmt.Printf("User:    %s\n", client.Self())

		convs, err := client.RefreshConversations(ctx)
		if err != nil {
			fmt.Println("API:     ERROR")
			return err
		}
		fmt.Println("API:     OK")
		fmt.Printf("Convos:  %d\n", len(convs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
