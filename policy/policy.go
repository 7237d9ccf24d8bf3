// Package policy decides whether a certificate signing request may be signed.
// A Policy is plain configuration; Validate is a pure function over the
// parsed CSR and the policy, so identical inputs always produce identical
// outcomes.
package policy

import (
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Role describes what kind of CA instance a policy governs.
type Role string

const (
	// RoleRoot is a self-signed root that signs subordinate CAs.
	RoleRoot Role = "root"
	// RoleSubordinate is an intermediate CA that signs leaf certificates
	// and may sign further subordinates.
	RoleSubordinate Role = "subordinate"
	// RoleLeafSigner only issues end-entity certificates.
	RoleLeafSigner Role = "leaf-signer"
)

// Policy is the declarative issuance policy for one CA instance.
//
// When CopyExtensions is true, key usages and extended key usages requested
// by the CSR are carried through after validation. When false, the CSR's
// requested extensions are ignored and only KeyUsages / ExtKeyUsages below
// are emitted.
type Policy struct {
	Role Role `mapstructure:"role" yaml:"role"`

	// AllowCAIssuance permits signing CSRs that request basicConstraints
	// CA:true. Must be false for leaf-signer instances.
	AllowCAIssuance bool `mapstructure:"allow_ca_issuance" yaml:"allow_ca_issuance"`

	// AllowedExtKeyUsages is the set of extended key usage names a CSR may
	// request. Names: server_auth, client_auth, code_signing,
	// email_protection, time_stamping, ocsp_signing, any.
	AllowedExtKeyUsages []string `mapstructure:"allowed_extended_key_usages" yaml:"allowed_extended_key_usages"`

	// CopyExtensions carries validated CSR extensions into the certificate.
	CopyExtensions bool `mapstructure:"copy_extensions" yaml:"copy_extensions"`

	// KeyUsages / ExtKeyUsages are emitted when CopyExtensions is false.
	// Key usage names: digital_signature, content_commitment,
	// key_encipherment, data_encipherment, key_agreement, cert_sign,
	// crl_sign.
	KeyUsages    []string `mapstructure:"key_usages" yaml:"key_usages"`
	ExtKeyUsages []string `mapstructure:"extended_key_usages" yaml:"extended_key_usages"`

	// DefaultValidityDays is the validity window applied when the caller
	// does not request one.
	DefaultValidityDays int `mapstructure:"default_validity_days" yaml:"default_validity_days"`

	// MaxValidityDays caps caller-requested validity. Zero means no cap.
	MaxValidityDays int `mapstructure:"max_validity_days" yaml:"max_validity_days"`

	// SignatureDigest selects the hash in the issuer's signature algorithm:
	// sha256, sha384 or sha512.
	SignatureDigest string `mapstructure:"signature_digest" yaml:"signature_digest"`
}

// Default returns the leaf-signer policy used when no policy file is given:
// serverAuth/clientAuth leaves, one year validity, extensions copied from
// the CSR.
func Default() Policy {
	return Policy{
		Role:                RoleLeafSigner,
		AllowCAIssuance:     false,
		AllowedExtKeyUsages: []string{"server_auth", "client_auth"},
		CopyExtensions:      true,
		KeyUsages:           []string{"digital_signature"},
		DefaultValidityDays: 365,
		MaxValidityDays:     825,
		SignatureDigest:     "sha256",
	}
}

// LoadFile reads a YAML policy file and applies defaults for absent keys.
func LoadFile(path string) (Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("role", string(def.Role))
	v.SetDefault("allow_ca_issuance", def.AllowCAIssuance)
	v.SetDefault("allowed_extended_key_usages", def.AllowedExtKeyUsages)
	v.SetDefault("copy_extensions", def.CopyExtensions)
	v.SetDefault("key_usages", def.KeyUsages)
	v.SetDefault("extended_key_usages", def.ExtKeyUsages)
	v.SetDefault("default_validity_days", def.DefaultValidityDays)
	v.SetDefault("max_validity_days", def.MaxValidityDays)
	v.SetDefault("signature_digest", def.SignatureDigest)

	if err := v.ReadInConfig(); err != nil {
		return Policy{}, fmt.Errorf("reading policy file: %w", err)
	}

	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("decoding policy file: %w", err)
	}
	if err := p.Check(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// WriteFile writes the policy as YAML. Used by `signet policy init`.
func (p Policy) WriteFile(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Check verifies the policy configuration itself is coherent. A leaf-signer
// must never be configured to issue CA certificates.
func (p Policy) Check() error {
	switch p.Role {
	case RoleRoot, RoleSubordinate, RoleLeafSigner:
	default:
		return fmt.Errorf("unknown policy role %q", p.Role)
	}
	if p.Role == RoleLeafSigner && p.AllowCAIssuance {
		return fmt.Errorf("policy role %q cannot allow CA issuance", p.Role)
	}
	if p.DefaultValidityDays <= 0 {
		return fmt.Errorf("default_validity_days must be positive")
	}
	if p.MaxValidityDays != 0 && p.MaxValidityDays < p.DefaultValidityDays {
		return fmt.Errorf("max_validity_days is below default_validity_days")
	}
	if _, err := p.SignatureAlgorithm(); err != nil {
		return err
	}
	for _, name := range p.AllowedExtKeyUsages {
		if _, ok := extKeyUsageNames[name]; !ok {
			return fmt.Errorf("unknown extended key usage %q", name)
		}
	}
	for _, name := range p.ExtKeyUsages {
		if _, ok := extKeyUsageNames[name]; !ok {
			return fmt.Errorf("unknown extended key usage %q", name)
		}
	}
	for _, name := range p.KeyUsages {
		if _, ok := keyUsageNames[name]; !ok {
			return fmt.Errorf("unknown key usage %q", name)
		}
	}
	return nil
}

// SignatureAlgorithm maps the configured digest to an ECDSA x509 signature
// algorithm.
func (p Policy) SignatureAlgorithm() (x509.SignatureAlgorithm, error) {
	switch strings.ToLower(p.SignatureDigest) {
	case "", "sha256":
		return x509.ECDSAWithSHA256, nil
	case "sha384":
		return x509.ECDSAWithSHA384, nil
	case "sha512":
		return x509.ECDSAWithSHA512, nil
	default:
		return 0, fmt.Errorf("unsupported signature digest %q", p.SignatureDigest)
	}
}

func (p Policy) allowsExtKeyUsage(eku x509.ExtKeyUsage) bool {
	for _, name := range p.AllowedExtKeyUsages {
		if extKeyUsageNames[name] == eku {
			return true
		}
	}
	return false
}

// policyKeyUsage folds the policy's configured key usage names into a mask.
func (p Policy) policyKeyUsage() x509.KeyUsage {
	var ku x509.KeyUsage
	for _, name := range p.KeyUsages {
		ku |= keyUsageNames[name]
	}
	return ku
}

func (p Policy) policyExtKeyUsages() []x509.ExtKeyUsage {
	ekus := make([]x509.ExtKeyUsage, 0, len(p.ExtKeyUsages))
	for _, name := range p.ExtKeyUsages {
		ekus = append(ekus, extKeyUsageNames[name])
	}
	return ekus
}

var extKeyUsageNames = map[string]x509.ExtKeyUsage{
	"any":              x509.ExtKeyUsageAny,
	"server_auth":      x509.ExtKeyUsageServerAuth,
	"client_auth":      x509.ExtKeyUsageClientAuth,
	"code_signing":     x509.ExtKeyUsageCodeSigning,
	"email_protection": x509.ExtKeyUsageEmailProtection,
	"time_stamping":    x509.ExtKeyUsageTimeStamping,
	"ocsp_signing":     x509.ExtKeyUsageOCSPSigning,
}

var keyUsageNames = map[string]x509.KeyUsage{
	"digital_signature":  x509.KeyUsageDigitalSignature,
	"content_commitment": x509.KeyUsageContentCommitment,
	"key_encipherment":   x509.KeyUsageKeyEncipherment,
	"data_encipherment":  x509.KeyUsageDataEncipherment,
	"key_agreement":      x509.KeyUsageKeyAgreement,
	"cert_sign":          x509.KeyUsageCertSign,
	"crl_sign":           x509.KeyUsageCRLSign,
}

// ExtKeyUsageName returns the configuration name for a Go EKU constant, for
// logs and API responses.
func ExtKeyUsageName(eku x509.ExtKeyUsage) string {
	for name, v := range extKeyUsageNames {
		if v == eku {
			return name
		}
	}
	return fmt.Sprintf("eku(%d)", eku)
}
