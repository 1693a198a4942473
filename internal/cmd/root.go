package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rbxsync",
	Short: "Sync a Roblox instance tree with a filesystem project",
	Long:  `rbxsync keeps a Roblox DataModel and an on-disk project in sync in both directions: filesystem changes flow to the editor, and editor changes sync back to disk.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (accepted but not read by any command)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "debug logging (accepted but not read by any command)")
}
