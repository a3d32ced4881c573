package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"message-relay/internal/authutil"
	"message-relay/internal/config"
	"message-relay/internal/relay"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Message ingestion and normalization relay",
	Long: `relay accepts messages with attachments over HTTP, stores every
attachment and a durable history entry, and forwards the message to the
transport backend.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		logger := relay.NewLogger(cfg)
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		app, err := relay.NewApp(ctx, cfg, logger)
		cancel()
		if err != nil {
			return err
		}
		if err := app.Start(); err != nil {
			_ = app.Shutdown(context.Background())
			return err
		}
		relay.WaitForShutdown(app)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for the configured auth secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		signer, err := authutil.NewSigner(v.GetString("auth-secret"), v.GetDuration("ttl"))
		if err != nil {
			return fmt.Errorf("auth-secret: %w", err)
		}
		token, err := signer.IssueToken(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a bcrypt hash for the auth-password-hash setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := authutil.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")

	config.BindFlags(serveCmd.Flags())

	tokenCmd.Flags().String("auth-secret", "", "HS256 secret shared with the relay")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, tokenCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
