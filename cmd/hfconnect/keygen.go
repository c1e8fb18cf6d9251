package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnehpets/hfconnect/config"
	"github.com/mnehpets/hfconnect/secret"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a session secret",
	Long:  `Prints a random 32-byte key, base64url encoded, suitable for ` + config.KeySessionSecret + `.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := secret.Generate()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", config.KeySessionSecret, key)
		return err
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
