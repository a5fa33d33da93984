package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wardlink/wardlink/internal/client"
	"github.com/wardlink/wardlink/internal/config"
	"github.com/wardlink/wardlink/internal/logging"
)

var (
	flagServer string
	flagToken  string
	flagUser   string
	flagName   string
)

var rootCmd = &cobra.Command{
	Use:   "wardlink",
	Short: "Wardlink command-line client",
	Long: `Wardlink is a command-line client for the Wardlink realtime
messaging server.

Available commands:
  tail    Stream a room's messages to stdout
  send    Send a message to a room

Use "wardlink [command] --help" for more information about a specific command.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	logging.New()
	cfg := config.New()

	rootCmd.PersistentFlags().StringVar(&flagServer, "server", cfg.BaseURL, "server base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", cfg.AuthToken, "bearer token")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "user id")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "", "display name")
}

// newClient builds an engine client from the persistent flags.
func newClient() *client.Client {
	cfg := config.New()
	return client.New(client.Config{
		BaseURL:           flagServer,
		Token:             flagToken,
		UserID:            flagUser,
		UserName:          flagName,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectCap:      cfg.ReconnectCap,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TypingDebounce:    cfg.TypingDebounce,
		TypingExpiry:      cfg.TypingExpiry,
		PresenceStale:     cfg.PresenceStale,
	})
}
