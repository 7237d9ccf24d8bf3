package policy

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Violation kinds. A rejected CSR wraps exactly one of these, so callers can
// match with errors.Is and resubmission of the same CSR yields the same kind.
var (
	ErrMissingCommonName = errors.New("subject common name is required")
	ErrInvalidDNSName    = errors.New("invalid DNS name in subject alternative names")
	ErrInvalidIPAddress  = errors.New("invalid IP address in subject alternative names")
	ErrInvalidEmail      = errors.New("invalid email address in subject alternative names")
	ErrCAIssuanceDenied  = errors.New("policy does not permit issuing CA certificates")
	ErrExtKeyUsageDenied = errors.New("extended key usage not permitted by policy")
)

// Violation reports why a CSR was rejected, carrying the offending field so
// the requester can fix and resubmit.
type Violation struct {
	Kind  error  // one of the Err* sentinels above
	Field string // offending field value, when applicable
}

func (v *Violation) Error() string {
	if v.Field == "" {
		return v.Kind.Error()
	}
	return fmt.Sprintf("%s: %q", v.Kind.Error(), v.Field)
}

func (v *Violation) Unwrap() error { return v.Kind }

func violation(kind error, field string) *Violation {
	return &Violation{Kind: kind, Field: field}
}

// ValidatedRequest is the policy-filtered template material handed to the
// issuance engine. It is derived entirely from the CSR and the policy;
// serial, issuer and validity window are the engine's business.
type ValidatedRequest struct {
	Subject        pkix.Name
	PublicKey      crypto.PublicKey
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string

	IsCA       bool
	MaxPathLen int // -1 when unconstrained

	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
}

// Validate checks a parsed CSR against the policy and returns the filtered
// request material. It is a pure function: no side effects, deterministic
// for identical inputs. The CSR's self-signature is the caller's concern
// (the issuance engine verifies proof-of-possession before validation).
func Validate(csr *x509.CertificateRequest, pol Policy) (*ValidatedRequest, error) {
	if strings.TrimSpace(csr.Subject.CommonName) == "" {
		return nil, violation(ErrMissingCommonName, "")
	}

	for _, name := range csr.DNSNames {
		if !validDNSName(name) {
			return nil, violation(ErrInvalidDNSName, name)
		}
	}
	for _, ip := range csr.IPAddresses {
		if len(ip) != net.IPv4len && len(ip) != net.IPv6len {
			return nil, violation(ErrInvalidIPAddress, ip.String())
		}
	}
	for _, email := range csr.EmailAddresses {
		if !validEmail(email) {
			return nil, violation(ErrInvalidEmail, email)
		}
	}

	req, err := parseRequestedExtensions(csr)
	if err != nil {
		return nil, fmt.Errorf("decoding requested extensions: %w", err)
	}

	if req.IsCA && !pol.AllowCAIssuance {
		return nil, violation(ErrCAIssuanceDenied, csr.Subject.CommonName)
	}

	for _, eku := range req.ExtKeyUsages {
		if !pol.allowsExtKeyUsage(eku) {
			return nil, violation(ErrExtKeyUsageDenied, ExtKeyUsageName(eku))
		}
	}
	for _, oid := range req.UnknownEKUs {
		return nil, violation(ErrExtKeyUsageDenied, oid.String())
	}

	out := &ValidatedRequest{
		Subject:        csr.Subject,
		PublicKey:      csr.PublicKey,
		DNSNames:       append([]string(nil), csr.DNSNames...),
		IPAddresses:    append([]net.IP(nil), csr.IPAddresses...),
		EmailAddresses: append([]string(nil), csr.EmailAddresses...),
		MaxPathLen:     -1,
	}

	if pol.CopyExtensions {
		out.IsCA = req.IsCA
		out.MaxPathLen = req.MaxPathLen
		out.KeyUsage = req.KeyUsage
		out.ExtKeyUsage = append([]x509.ExtKeyUsage(nil), req.ExtKeyUsages...)
	} else {
		out.KeyUsage = pol.policyKeyUsage()
		out.ExtKeyUsage = pol.policyExtKeyUsages()
	}

	if out.IsCA {
		// A CA certificate must be able to sign; the key usage is pinned
		// regardless of what the CSR requested.
		out.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if out.KeyUsage == 0 {
		out.KeyUsage = x509.KeyUsageDigitalSignature
	}

	return out, nil
}

// validDNSName enforces RFC 1035 label rules: 1-63 character labels of
// letters, digits and interior hyphens, 253 characters total. A single
// leading wildcard label is accepted.
func validDNSName(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	name = strings.TrimSuffix(name, ".")
	labels := strings.Split(name, ".")
	for i, label := range labels {
		if label == "*" && i == 0 && len(labels) > 1 {
			continue
		}
		if !validDNSLabel(label) {
			return false
		}
	}
	return true
}

func validDNSLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return validDNSName(email[at+1:])
}
