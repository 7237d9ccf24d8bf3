package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var revokeReason int

var revokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Mark an issued certificate as revoked in the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid serial %q", args[0])
		}

		env, err := openEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.engine.Revoke(serial, revokeReason); err != nil {
			return err
		}
		fmt.Printf("Serial %d revoked (reason %d)\n", serial, revokeReason)
		return nil
	},
}

func init() {
	revokeCmd.Flags().IntVar(&revokeReason, "reason", 0, "x509 CRL reason code")
	rootCmd.AddCommand(revokeCmd)
}
