package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/policy"
)

var policyOutPath string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage issuance policy files",
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default issuance policy to a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := policy.Default().WriteFile(policyOutPath); err != nil {
			return err
		}
		fmt.Printf("Default policy written to %s\n", policyOutPath)
		return nil
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a policy file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Policy OK: role=%s allow_ca_issuance=%t copy_extensions=%t\n",
			pol.Role, pol.AllowCAIssuance, pol.CopyExtensions)
		return nil
	},
}

func init() {
	policyInitCmd.Flags().StringVar(&policyOutPath, "out", "policy.yaml", "output path")
	policyCmd.AddCommand(policyInitCmd)
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}
