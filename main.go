// Package main is the entry point for the tgbatch bot.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"tgbatch/internal/config"
	"tgbatch/internal/fileid"
	"tgbatch/internal/links"
	"tgbatch/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tgbatch",
		Short:         "Telegram bot that turns channel message ranges into shareable batch links",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), runCmd(), configCmd(), tokenCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tgbatch %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Telegram and serve batch commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("tgbatch starting", zap.String("version", version), zap.String("commit", commit))
			return NewApp(cfg, logger).Run(ctx)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration OK")
			fmt.Fprintf(out, "  data dir:    %s\n", cfg.DataDir)
			fmt.Fprintf(out, "  log channel: %d\n", cfg.Telegram.LogChannel)
			fmt.Fprintf(out, "  public:      %t\n", cfg.Access.Public)
			fmt.Fprintf(out, "  admins:      %d\n", len(cfg.Access.Admins))
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect batch link tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decode <token-or-link>",
		Short: "Decode a batch token into its document identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decodeToken(cmd.OutOrStdout(), args[0])
		},
	})

	encode := &cobra.Command{
		Use:   "encode <bot-file-id>",
		Short: "Build a batch token from a Bot API file_id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, _ := cmd.Flags().GetString("bot")
			return encodeToken(cmd.OutOrStdout(), args[0], bot)
		},
	}
	encode.Flags().String("bot", "", "Bot username used to print the full link")
	cmd.AddCommand(encode)
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func decodeToken(out io.Writer, raw string) error {
	c, err := fileid.Decode(links.TokenFromInput(raw))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "type:        %d\n", c.Type)
	fmt.Fprintf(out, "dc:          %d\n", c.DC)
	fmt.Fprintf(out, "document id: %d\n", c.ID)
	fmt.Fprintf(out, "access hash: %d\n", c.AccessHash)
	return nil
}

func encodeToken(out io.Writer, botFileID, botUsername string) error {
	c, _, err := fileid.Unpack(botFileID)
	if err != nil {
		return err
	}
	token := fileid.Encode(c)
	if botUsername == "" {
		fmt.Fprintln(out, token)
		return nil
	}
	fmt.Fprintln(out, links.BatchLink(botUsername, token))
	return nil
}

// run is used by tests to drive the CLI with explicit arguments.
func run(ctx context.Context, out io.Writer, args ...string) error {
	root := rootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
