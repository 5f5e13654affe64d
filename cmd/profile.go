package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspects or clears the saved profile",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Prints the decrypted profile as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg, ok := appInstance.Vault().Load()
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no saved profile")
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Deletes the saved profile; the key is kept",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Vault().Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "profile cleared")
			return nil
		},
	})
	return cmd
}
