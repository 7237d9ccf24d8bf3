package cmd

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/issuer"
	"github.com/jmcleod/signet/keystore"
	"github.com/jmcleod/signet/ledger"
)

var (
	initCN      string
	initOrg     string
	initCountry string
	initDays    int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a self-signed root CA in the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := passphrase()
		if err != nil {
			return err
		}

		certPath := filepath.Join(dataDir, caCertFile)
		if _, err := os.Stat(certPath); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite an initialised CA", certPath)
		}

		be, err := openBackend()
		if err != nil {
			return err
		}
		defer be.Close()

		led, err := ledger.Open(be)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		store := certstore.New(be)
		keys := keystore.NewSoftwareKeyStore()

		subject := pkix.Name{CommonName: initCN}
		if initOrg != "" {
			subject.Organization = []string{initOrg}
		}
		if initCountry != "" {
			subject.Country = []string{initCountry}
		}

		caCert, keyID, err := issuer.NewRootCA(issuer.RootCAConfig{
			Subject:            subject,
			ValidityDays:       initDays,
			SignatureAlgorithm: x509.ECDSAWithSHA256,
		}, keys, led, store)
		if err != nil {
			return err
		}

		keyPEM, err := keys.ExportPEM(keyID)
		if err != nil {
			return fmt.Errorf("exporting CA key: %w", err)
		}
		if err := keystore.SaveSealedKey(filepath.Join(dataDir, sealedKeyFile), keyPEM, pass); err != nil {
			return fmt.Errorf("sealing CA key: %w", err)
		}
		if err := os.WriteFile(certPath, []byte(issuer.EncodeCertificatePEM(caCert.Raw)), 0644); err != nil {
			return fmt.Errorf("writing CA certificate: %w", err)
		}

		fmt.Printf("Root CA created: %s (serial %d, expires %s)\n",
			caCert.Subject.String(), caCert.SerialNumber.Uint64(),
			caCert.NotAfter.Format("2006-01-02"))
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initCN, "cn", "", "root CA common name (required)")
	initCmd.Flags().StringVar(&initOrg, "org", "", "root CA organization")
	initCmd.Flags().StringVar(&initCountry, "country", "", "root CA country code")
	initCmd.Flags().IntVar(&initDays, "days", 3650, "root CA validity in days")
	initCmd.MarkFlagRequired("cn")
	rootCmd.AddCommand(initCmd)
}
