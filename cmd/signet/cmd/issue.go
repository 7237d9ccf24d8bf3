package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/issuer"
)

var (
	issueCSRPath string
	issueOutPath string
	issueDays    int
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a PEM-encoded certificate signing request",
	RunE: func(cmd *cobra.Command, args []string) error {
		csrPEM, err := os.ReadFile(issueCSRPath)
		if err != nil {
			return fmt.Errorf("reading CSR: %w", err)
		}

		env, err := openEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		issued, err := env.engine.Issue(cmd.Context(), issuer.IssueRequest{
			CSRPEM:       csrPEM,
			ValidityDays: issueDays,
		})
		if err != nil {
			return err
		}

		if issueOutPath == "" {
			fmt.Print(issued.PEM)
		} else if err := os.WriteFile(issueOutPath, []byte(issued.PEM), 0644); err != nil {
			return fmt.Errorf("writing certificate: %w", err)
		}

		fmt.Fprintf(os.Stderr, "Issued serial %d for %s (expires %s)\n",
			issued.Serial, issued.Certificate.Subject.String(),
			issued.Certificate.NotAfter.Format("2006-01-02"))
		return nil
	},
}

func init() {
	issueCmd.Flags().StringVar(&issueCSRPath, "csr", "", "path to the PEM CSR (required)")
	issueCmd.Flags().StringVar(&issueOutPath, "out", "", "write the certificate here instead of stdout")
	issueCmd.Flags().IntVar(&issueDays, "days", 0, "validity in days (policy default when 0)")
	issueCmd.MarkFlagRequired("csr")
	rootCmd.AddCommand(issueCmd)
}
