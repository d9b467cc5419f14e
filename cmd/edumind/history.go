package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyDays int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := newBot()
		if err != nil {
			return err
		}
		defer bot.Close()
		return bot.PrintSessions(cmd.Context(), historyDays)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, err := newBot()
		if err != nil {
			return err
		}
		defer bot.Close()

		if err := bot.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s.\n", args[0])
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyDays, "days", 0, "How many days back to list (default from config)")
	rootCmd.AddCommand(historyCmd, deleteCmd)
}
