package cmd

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardlink/wardlink/internal/client"
	"github.com/wardlink/wardlink/internal/uploads"
)

var sendAttachments []string

var sendCmd = &cobra.Command{
	Use:   "send <room> <text>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, text := args[0], args[1]

		c := newClient()
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.JoinRoom(ctx, room); err != nil {
			return err
		}

		var opts []client.SendOption
		if len(sendAttachments) > 0 {
			files, closers, err := openAttachments(sendAttachments)
			if err != nil {
				return err
			}
			defer closers()
			opts = append(opts, client.WithAttachments(files, func(name string, pct int) {
				fmt.Printf("uploading %s: %d%%\n", name, pct)
			}))
		}

		msg, err := c.SendMessage(ctx, text, opts...)
		if err != nil {
			return err
		}
		fmt.Printf("sent %s\n", msg.CorrelationID)

		// Give the server echo a moment so the message is confirmed before
		// the transport drops.
		time.Sleep(500 * time.Millisecond)
		return nil
	},
}

func openAttachments(paths []string) ([]uploads.Local, func(), error) {
	var files []uploads.Local
	var open []*os.File

	closers := func() {
		for _, f := range open {
			f.Close()
		}
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closers()
			return nil, nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			closers()
			return nil, nil, err
		}
		open = append(open, f)
		files = append(files, uploads.Local{
			Name:    filepath.Base(p),
			Mime:    mime.TypeByExtension(filepath.Ext(p)),
			Size:    info.Size(),
			Content: f,
		})
	}
	return files, closers, nil
}

func init() {
	sendCmd.Flags().StringSliceVar(&sendAttachments, "attach", nil, "file paths to attach")
	rootCmd.AddCommand(sendCmd)
}
