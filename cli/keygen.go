package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/pkg/auth"
)

func keygenCmd(g *globals) *cobra.Command {
	var (
		keyID string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an Ed25519 signing identity",
		Long:  "Create a signing identity and print the publicKeys entry to add to policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyID == "" {
				return fmt.Errorf("--id is required")
			}
			if _, err := os.Stat(g.keyPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", g.keyPath)
			}
			id, err := auth.GenerateIdentity(keyID)
			if err != nil {
				return err
			}
			if err := id.Save(g.keyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", g.keyPath)
			return printJSON(cmd.OutOrStdout(), map[string]any{
				id.KeyID(): map[string]string{"algorithm": id.Algorithm(), "key": id.PublicKeyB64()},
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "id", "", "Key id recorded in signatures")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key file")
	return cmd
}
