package policy_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/signet/policy"
)

var (
	oidExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidServerAuth       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidCodeSigning      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
)

type csrOptions struct {
	dnsNames []string
	ips      []net.IP
	ekus     []asn1.ObjectIdentifier
	isCA     bool
}

// buildCSR creates and re-parses a self-signed PKCS#10 request.
func buildCSR(t *testing.T, subject pkix.Name, opts csrOptions) *x509.CertificateRequest {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.CertificateRequest{
		Subject:     subject,
		DNSNames:    opts.dnsNames,
		IPAddresses: opts.ips,
	}
	if len(opts.ekus) > 0 {
		val, err := asn1.Marshal(opts.ekus)
		require.NoError(t, err)
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    oidExtendedKeyUsage,
			Value: val,
		})
	}
	if opts.isCA {
		val, err := asn1.Marshal(struct{ IsCA bool }{true})
		require.NoError(t, err)
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:       oidBasicConstraints,
			Critical: true,
			Value:    val,
		})
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	return csr
}

func TestValidate_RejectsMissingCommonName(t *testing.T) {
	csr := buildCSR(t, pkix.Name{Organization: []string{"NoName Co"}}, csrOptions{})

	_, err := policy.Validate(csr, policy.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrMissingCommonName)

	var violation *policy.Violation
	assert.ErrorAs(t, err, &violation)
}

func TestValidate_RejectsBadDNSName(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "test"}, csrOptions{
		dnsNames: []string{"-bad.example.org"},
	})

	_, err := policy.Validate(csr, policy.Default())
	assert.ErrorIs(t, err, policy.ErrInvalidDNSName)

	var violation *policy.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "-bad.example.org", violation.Field)
}

func TestValidate_AcceptsWildcardDNSName(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "wild"}, csrOptions{
		dnsNames: []string{"*.example.org"},
	})

	validated, err := policy.Validate(csr, policy.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"*.example.org"}, validated.DNSNames)
}

func TestValidate_RejectsCAWhenForbidden(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "Rogue Sub CA"}, csrOptions{isCA: true})

	pol := policy.Default()
	require.False(t, pol.AllowCAIssuance)

	// Deterministic: same violation kind on every submission.
	for i := 0; i < 3; i++ {
		_, err := policy.Validate(csr, pol)
		assert.ErrorIs(t, err, policy.ErrCAIssuanceDenied)
	}
}

func TestValidate_AllowsCAWhenPermitted(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "Sub CA"}, csrOptions{isCA: true})

	pol := policy.Default()
	pol.Role = policy.RoleRoot
	pol.AllowCAIssuance = true

	validated, err := policy.Validate(csr, pol)
	require.NoError(t, err)
	assert.True(t, validated.IsCA)
	// CA key usage is pinned even though the CSR requested none.
	assert.NotZero(t, validated.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, validated.KeyUsage&x509.KeyUsageCRLSign)
}

func TestValidate_RejectsDisallowedEKU(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "signer"}, csrOptions{
		ekus: []asn1.ObjectIdentifier{oidCodeSigning},
	})

	pol := policy.Default() // allows server_auth, client_auth only
	_, err := policy.Validate(csr, pol)
	assert.ErrorIs(t, err, policy.ErrExtKeyUsageDenied)

	var violation *policy.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "code_signing", violation.Field)
}

func TestValidate_RejectsUnknownEKUOID(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "custom"}, csrOptions{
		ekus: []asn1.ObjectIdentifier{{1, 3, 6, 1, 4, 1, 99999, 1}},
	})

	_, err := policy.Validate(csr, policy.Default())
	assert.ErrorIs(t, err, policy.ErrExtKeyUsageDenied)
}

func TestValidate_CopyExtensions(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "test.example.org"}, csrOptions{
		dnsNames: []string{"test.example.org"},
		ips:      []net.IP{net.ParseIP("192.168.1.10")},
		ekus:     []asn1.ObjectIdentifier{oidServerAuth},
	})

	pol := policy.Default()
	pol.CopyExtensions = true

	validated, err := policy.Validate(csr, pol)
	require.NoError(t, err)
	assert.Equal(t, []string{"test.example.org"}, validated.DNSNames)
	require.Len(t, validated.IPAddresses, 1)
	assert.True(t, validated.IPAddresses[0].Equal(net.ParseIP("192.168.1.10")))
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, validated.ExtKeyUsage)
}

func TestValidate_PolicyExtensionsWhenCopyDisabled(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "test"}, csrOptions{
		ekus: []asn1.ObjectIdentifier{oidServerAuth},
	})

	pol := policy.Default()
	pol.CopyExtensions = false
	pol.KeyUsages = []string{"digital_signature", "key_encipherment"}
	pol.ExtKeyUsages = []string{"client_auth"}

	validated, err := policy.Validate(csr, pol)
	require.NoError(t, err)
	// CSR-requested serverAuth is ignored; policy emits clientAuth.
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, validated.ExtKeyUsage)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, validated.KeyUsage)
	assert.False(t, validated.IsCA)
}

func TestValidate_DefaultKeyUsage(t *testing.T) {
	csr := buildCSR(t, pkix.Name{CommonName: "plain"}, csrOptions{})

	validated, err := policy.Validate(csr, policy.Default())
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageDigitalSignature, validated.KeyUsage)
}
