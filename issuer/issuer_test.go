package issuer_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/issuer"
	"github.com/jmcleod/signet/keystore"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
	"github.com/jmcleod/signet/storage/memory"
)

var (
	oidExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidServerAuth       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
)

type testEnv struct {
	ledger *ledger.Ledger
	store  *certstore.Store
	keys   *keystore.SoftwareKeyStore
	caCert *x509.Certificate
	keyID  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend := memory.NewBackend()
	led, err := ledger.Open(backend)
	require.NoError(t, err)
	store := certstore.New(backend)
	keys := keystore.NewSoftwareKeyStore()

	caCert, keyID, err := issuer.NewRootCA(issuer.RootCAConfig{
		Subject:      pkix.Name{CommonName: "Test Root CA", Organization: []string{"Signet"}},
		ValidityDays: 3650,
	}, keys, led, store)
	require.NoError(t, err)

	return &testEnv{ledger: led, store: store, keys: keys, caCert: caCert, keyID: keyID}
}

func (env *testEnv) engine(t *testing.T, pol policy.Policy, opts ...issuer.Option) *issuer.Engine {
	t.Helper()
	opts = append([]issuer.Option{
		issuer.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	eng, err := issuer.New(pol, env.ledger, env.store, env.keys, env.caCert, env.keyID, opts...)
	require.NoError(t, err)
	return eng
}

type csrSpec struct {
	subject  pkix.Name
	dnsNames []string
	ips      []net.IP
	ekus     []asn1.ObjectIdentifier
	isCA     bool
}

func encodeCSR(t *testing.T, spec csrSpec) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.CertificateRequest{
		Subject:     spec.subject,
		DNSNames:    spec.dnsNames,
		IPAddresses: spec.ips,
	}
	if len(spec.ekus) > 0 {
		val, err := asn1.Marshal(spec.ekus)
		require.NoError(t, err)
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    oidExtendedKeyUsage,
			Value: val,
		})
	}
	if spec.isCA {
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
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestEngine_IssueRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := env.engine(t, policy.Default(), issuer.WithClock(func() time.Time { return fixed }))

	csrPEM := encodeCSR(t, csrSpec{
		subject:  pkix.Name{CommonName: "test.example.org"},
		dnsNames: []string{"test.example.org"},
		ips:      []net.IP{net.ParseIP("192.168.1.10")},
		ekus:     []asn1.ObjectIdentifier{oidServerAuth},
	})

	issued, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
	require.NoError(t, err)
	require.NotNil(t, issued)

	// The root took serial 1, so the first issued certificate gets 2.
	assert.Equal(t, uint64(2), issued.Serial)

	cert := issued.Certificate
	assert.Equal(t, "test.example.org", cert.Subject.CommonName)
	assert.Equal(t, env.caCert.Subject.String(), cert.Issuer.String())
	assert.Equal(t, []string{"test.example.org"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("192.168.1.10")))
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)
	assert.False(t, cert.IsCA)
	assert.True(t, cert.NotBefore.Equal(fixed))
	assert.True(t, cert.NotAfter.Equal(fixed.AddDate(0, 0, 365)))
	require.NoError(t, cert.CheckSignatureFrom(env.caCert))

	// The certificate is in the ledger and the store.
	entry, err := env.ledger.Lookup(issued.Serial)
	require.NoError(t, err)
	assert.Equal(t, "test.example.org", entry.SubjectCN)
	assert.Equal(t, ledger.StatusValid, entry.Status)

	chain, err := env.store.ChainFor(issued.Serial)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, issued.Serial, chain[0].Serial)
	assert.Equal(t, uint64(1), chain[1].Serial)

	// PEM round-trips back to the same certificate.
	block, _ := pem.Decode([]byte(issued.PEM))
	require.NotNil(t, block)
	reparsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, reparsed.Equal(cert))
}

func TestEngine_IssueRejectsCAWhenForbidden(t *testing.T) {
	env := newTestEnv(t)
	eng := env.engine(t, policy.Default())

	csrPEM := encodeCSR(t, csrSpec{
		subject: pkix.Name{CommonName: "Rogue Sub CA"},
		isCA:    true,
	})

	before := env.ledger.NextSerial()

	// Deterministic rejection: same violation on every submission, and no
	// ledger side effects.
	for i := 0; i < 3; i++ {
		_, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
		assert.ErrorIs(t, err, policy.ErrCAIssuanceDenied)
	}
	assert.Equal(t, before, env.ledger.NextSerial())
}

func TestEngine_IssueRejectsInvalidCSR(t *testing.T) {
	env := newTestEnv(t)
	eng := env.engine(t, policy.Default())

	before := env.ledger.NextSerial()

	_, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: []byte("junk")})
	assert.ErrorIs(t, err, issuer.ErrInvalidCSR)

	_, err = eng.Issue(t.Context(), issuer.IssueRequest{
		CSRPEM: []byte("-----BEGIN CERTIFICATE REQUEST-----\nAAAA\n-----END CERTIFICATE REQUEST-----\n"),
	})
	assert.ErrorIs(t, err, issuer.ErrInvalidCSR)

	assert.Equal(t, before, env.ledger.NextSerial())
}

func TestEngine_IssueRejectsValidityTooLong(t *testing.T) {
	env := newTestEnv(t)
	eng := env.engine(t, policy.Default()) // max 825 days

	csrPEM := encodeCSR(t, csrSpec{subject: pkix.Name{CommonName: "long.example.org"}})

	before := env.ledger.NextSerial()
	_, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM, ValidityDays: 826})
	assert.ErrorIs(t, err, issuer.ErrValidityTooLong)
	assert.Equal(t, before, env.ledger.NextSerial())

	issued, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM, ValidityDays: 825})
	require.NoError(t, err)
	assert.Equal(t, before, issued.Serial)
}

func TestEngine_SigningFailureRetiresSerial(t *testing.T) {
	env := newTestEnv(t)

	eng, err := issuer.New(policy.Default(), env.ledger, env.store, env.keys,
		env.caCert, "sw-404",
		issuer.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	csrPEM := encodeCSR(t, csrSpec{subject: pkix.Name{CommonName: "fail.example.org"}})

	before := env.ledger.NextSerial()
	_, err = eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
	assert.ErrorIs(t, err, issuer.ErrSigningFailed)

	// The serial was allocated, then retired without a ledger entry.
	assert.Equal(t, before+1, env.ledger.NextSerial())
	_, err = env.ledger.Lookup(before)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// A working engine skips the retired serial.
	good := env.engine(t, policy.Default())
	issued, err := good.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
	require.NoError(t, err)
	assert.Equal(t, before+1, issued.Serial)
}

// slowKeyStore wraps a KeyStore so its signers stall, to exercise the signing
// timeout.
type slowKeyStore struct {
	keystore.KeyStore
	delay time.Duration
}

func (s *slowKeyStore) Signer(keyID string) (crypto.Signer, error) {
	signer, err := s.KeyStore.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return &slowSigner{signer: signer, delay: s.delay}, nil
}

type slowSigner struct {
	signer crypto.Signer
	delay  time.Duration
}

func (s *slowSigner) Public() crypto.PublicKey { return s.signer.Public() }

func (s *slowSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	time.Sleep(s.delay)
	return s.signer.Sign(rand, digest, opts)
}

func TestEngine_SigningTimeout(t *testing.T) {
	env := newTestEnv(t)

	slow := &slowKeyStore{KeyStore: env.keys, delay: 500 * time.Millisecond}
	eng, err := issuer.New(policy.Default(), env.ledger, env.store, slow,
		env.caCert, env.keyID,
		issuer.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		issuer.WithSignTimeout(20*time.Millisecond))
	require.NoError(t, err)

	csrPEM := encodeCSR(t, csrSpec{subject: pkix.Name{CommonName: "slow.example.org"}})

	_, err = eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
	assert.ErrorIs(t, err, issuer.ErrSigningFailed)
	_, err = env.ledger.Lookup(2)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestEngine_IssueSubordinateCA(t *testing.T) {
	env := newTestEnv(t)

	pol := policy.Default()
	pol.Role = policy.RoleRoot
	pol.AllowCAIssuance = true
	eng := env.engine(t, pol)

	csrPEM := encodeCSR(t, csrSpec{
		subject: pkix.Name{CommonName: "Signet Sub CA"},
		isCA:    true,
	})

	issued, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
	require.NoError(t, err)

	cert := issued.Certificate
	assert.True(t, cert.IsCA)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	require.NoError(t, cert.CheckSignatureFrom(env.caCert))

	chain, err := env.store.ChainFor(issued.Serial)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, chain[1].IsCA)
}

func TestEngine_Revoke(t *testing.T) {
	env := newTestEnv(t)
	eng := env.engine(t, policy.Default())

	csrPEM := encodeCSR(t, csrSpec{subject: pkix.Name{CommonName: "revoke.example.org"}})
	issued, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
	require.NoError(t, err)

	require.NoError(t, eng.Revoke(issued.Serial, 1))

	entry, err := env.ledger.Lookup(issued.Serial)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRevoked, entry.Status)
	assert.Equal(t, 1, entry.RevocationReason)

	assert.ErrorIs(t, eng.Revoke(issued.Serial, 1), ledger.ErrAlreadyRevoked)
	assert.ErrorIs(t, eng.Revoke(999, 0), ledger.ErrNotFound)
}

func TestEngine_ConcurrentIssuance(t *testing.T) {
	env := newTestEnv(t)
	eng := env.engine(t, policy.Default())

	const n = 8
	csrPEM := encodeCSR(t, csrSpec{subject: pkix.Name{CommonName: "many.example.org"}})

	serials := make(chan uint64, n)
	for i := 0; i < n; i++ {
		go func() {
			issued, err := eng.Issue(context.Background(), issuer.IssueRequest{CSRPEM: csrPEM})
			if !assert.NoError(t, err) {
				serials <- 0
				return
			}
			serials <- issued.Serial
		}()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		serial := <-serials
		assert.False(t, seen[serial], "serial %d issued twice", serial)
		seen[serial] = true
	}

	entries, err := env.ledger.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, n+1) // root plus every issued certificate
}

func TestEngine_NewRejectsNonCACert(t *testing.T) {
	env := newTestEnv(t)
	eng := env.engine(t, policy.Default())

	csrPEM := encodeCSR(t, csrSpec{subject: pkix.Name{CommonName: "leaf.example.org"}})
	issued, err := eng.Issue(t.Context(), issuer.IssueRequest{CSRPEM: csrPEM})
	require.NoError(t, err)

	_, err = issuer.New(policy.Default(), env.ledger, env.store, env.keys,
		issued.Certificate, env.keyID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA:false")
}

func TestNewRootCA_Validation(t *testing.T) {
	backend := memory.NewBackend()
	led, err := ledger.Open(backend)
	require.NoError(t, err)
	store := certstore.New(backend)
	keys := keystore.NewSoftwareKeyStore()

	_, _, err = issuer.NewRootCA(issuer.RootCAConfig{ValidityDays: 10}, keys, led, store)
	assert.Error(t, err)

	_, _, err = issuer.NewRootCA(issuer.RootCAConfig{
		Subject: pkix.Name{CommonName: "No Days CA"},
	}, keys, led, store)
	assert.Error(t, err)
}

func TestNewRootCA_SelfSigned(t *testing.T) {
	env := newTestEnv(t)

	assert.True(t, env.caCert.IsCA)
	assert.Equal(t, env.caCert.Subject.String(), env.caCert.Issuer.String())
	require.NoError(t, env.caCert.CheckSignatureFrom(env.caCert))
	assert.Equal(t, uint64(1), env.caCert.SerialNumber.Uint64())

	// The root is in its own ledger and store.
	entry, err := env.ledger.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, "Test Root CA", entry.SubjectCN)

	chain, err := env.store.ChainFor(1)
	require.NoError(t, err)
	require.Len(t, chain, 1)
}
