package main

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	chatlink "github.com/putto11262002/chatlink/app"
)

var cfg *chatlink.Config

var rootCmd = &cobra.Command{
	Use:   "chatlink",
	Short: "Terminal client for the platform chat, with a bundled dev server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = chatlink.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			if _, ok := err.(validator.ValidationErrors); ok {
				return fmt.Errorf("invalid config:\n%s", chatlink.FormatValidationErrors(err))
			}
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, registerCmd, loginCmd, logoutCmd,
		whoamiCmd, friendsCmd, roomsCmd, chatCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
