package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"EduMind/internal/chatbot"
	"EduMind/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
	apiURL     string
	streamURL  string
	userID     string
	storeName  string
	logDir     string
)

// rootCmd starts the interactive chat when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "edumind",
	Short: "Terminal client for the EduMind course assistant",
	Long: `Chat with the EduMind course assistant from the terminal.

Replies stream in as they are generated and the last session is resumed
on the next start.

Quick Start:
  edumind                       # Start or resume a chat
  edumind history --days 30     # List recent sessions
  edumind delete <session-id>   # Delete a session
  edumind voice --file q.f32    # Ask a question from recorded audio`,
	Version:      chatbot.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML config file")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVar(&apiURL, "api-url", "", "Base URL of the assistant API")
	flags.StringVar(&streamURL, "stream-url", "", "Address of the chat socket (ws:// or wss://)")
	flags.StringVar(&userID, "user-id", "", "Remember this user id for future requests")
	flags.StringVar(&storeName, "store", "", "Where the last session is kept (sqlite|memory|redis)")
	flags.StringVar(&logDir, "log-dir", "", "Directory for log and telemetry files")

	rootCmd.AddCommand(chatCmd)
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start or resume a chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

func runChat(ctx context.Context) error {
	bot, err := newBot()
	if err != nil {
		return err
	}
	return bot.Run(ctx)
}

// loadConfig layers command-line flags over config.Load.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if debug {
		cfg.Debug = true
	}
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if streamURL != "" {
		cfg.StreamURL = streamURL
	}
	if userID != "" {
		cfg.UserID = userID
	}
	if storeName != "" {
		cfg.Store.Driver = storeName
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}
	return cfg, cfg.Validate()
}

func newBot() (*chatbot.ChatBot, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	return bot, nil
}
