package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cvmlink/internal/infra/config"
)

func newEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "encrypt <value>",
		Short:       "Encrypt a secret for the config file with CVMWEB_CONFIG_KEY",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("CVMWEB_CONFIG_KEY")
			if key == "" {
				return fmt.Errorf("CVMWEB_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}
