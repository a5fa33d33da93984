package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardlink/wardlink/internal/client"
	"github.com/wardlink/wardlink/internal/pubsub"
)

var tailCmd = &cobra.Command{
	Use:   "tail <room>",
	Short: "Stream a room's messages to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := args[0]

		c := newClient()
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		seen := make(map[string]bool)
		err := pubsub.Subscribe(ctx, c.Bus(), client.TopicMessagesUpdated, func(_ context.Context, update client.MessagesUpdate) error {
			for _, msg := range update.Messages {
				if seen[msg.ID] || msg.Deleted != nil {
					continue
				}
				seen[msg.ID] = true
				fmt.Printf("%s %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.SenderName, msg.Text)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := c.JoinRoom(ctx, room); err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tailCmd)
}
