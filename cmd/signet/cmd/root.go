package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	dataDir     string
	policyPath  string
	backend     string
	postgresDSN string
)

var rootCmd = &cobra.Command{
	Use:   "signet",
	Short: "signet is a minimal local certificate authority",
	Long: `A local Certificate Authority issuance engine: validates certificate
signing requests against a declarative policy, allocates serial numbers
through a durable ledger, signs, and tracks every certificate it has ever
issued.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./signet-data", "directory for CA state (ledger, certificates, sealed key)")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "path to the issuance policy YAML (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "bbolt", "storage backend: bbolt or postgres")
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", "", "postgres connection string when --backend=postgres")
}
