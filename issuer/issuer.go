// Package issuer orchestrates certificate issuance: policy check, serial
// allocation, signing, ledger record, store update. Each workflow is a
// short-lived pipeline through an explicit state machine; every transition's
// side effect is committed durably before the workflow advances, so an
// abandoned or crashed workflow can never corrupt the ledger.
package issuer

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/keystore"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
)

// State of an issuance workflow.
type State string

const (
	StateReceived        State = "received"
	StatePolicyChecked   State = "policy_checked"
	StateSerialAllocated State = "serial_allocated"
	StateSigned          State = "signed"
	StateRecorded        State = "recorded"
	StateComplete        State = "complete"
	StateRejected        State = "rejected"
)

var (
	// ErrInvalidCSR is returned when the request is not a well-formed,
	// self-signature-verified PKCS#10 structure.
	ErrInvalidCSR = errors.New("invalid certificate signing request")

	// ErrSigningFailed is a capability-provider fault: key unavailable,
	// wrong algorithm, or a signing timeout. Never retried automatically;
	// key material issues need operator intervention.
	ErrSigningFailed = errors.New("signing operation failed")

	// ErrLedgerIntegrity means the ledger refused a serial that
	// AllocateSerial handed out. This indicates corruption or a
	// concurrency-control bug and is raised as an alarm, never ignored.
	ErrLedgerIntegrity = errors.New("ledger integrity violation")

	// ErrValidityTooLong is returned when the requested validity exceeds
	// the policy's maximum.
	ErrValidityTooLong = errors.New("requested validity exceeds policy maximum")
)

// Issued is a completed issuance result.
type Issued struct {
	Certificate *x509.Certificate
	PEM         string
	Serial      uint64
}

// Engine wires the policy, ledger, store and key store together. It owns no
// persistent state of its own; ledger and store are borrowed, singly-owned
// resources.
type Engine struct {
	policy  policy.Policy
	ledger  *ledger.Ledger
	store   *certstore.Store
	keys    keystore.KeyStore
	caCert  *x509.Certificate
	caKeyID string

	sigAlg      x509.SignatureAlgorithm
	logger      *slog.Logger
	signTimeout time.Duration
	now         func() time.Time
	rand        io.Reader
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger for workflow events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSignTimeout bounds the capability provider's signing call. A timeout
// surfaces as ErrSigningFailed; the allocated serial stays retired.
func WithSignTimeout(d time.Duration) Option {
	return func(e *Engine) { e.signTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine issuing under the given CA certificate and key.
func New(pol policy.Policy, led *ledger.Ledger, store *certstore.Store, keys keystore.KeyStore, caCert *x509.Certificate, caKeyID string, opts ...Option) (*Engine, error) {
	if err := pol.Check(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("issuer certificate %q has basicConstraints CA:false and cannot sign", caCert.Subject.CommonName)
	}
	sigAlg, err := pol.SignatureAlgorithm()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		policy:  pol,
		ledger:  led,
		store:   store,
		keys:    keys,
		caCert:  caCert,
		caKeyID: caKeyID,
		sigAlg:  sigAlg,
		now:     time.Now,
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return e, nil
}

// CACertificate returns the issuing CA certificate.
func (e *Engine) CACertificate() *x509.Certificate {
	return e.caCert
}

// Policy returns the engine's issuance policy.
func (e *Engine) Policy() policy.Policy {
	return e.policy
}

// IssueRequest carries one CSR through the pipeline.
type IssueRequest struct {
	CSRPEM []byte

	// ValidityDays overrides the policy default when positive.
	ValidityDays int
}

// Issue runs one issuance workflow. Errors terminate the workflow in
// Rejected with no retry: policy violations and malformed CSRs are the
// requester's to fix, signing and ledger faults are the operator's.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	workflow := uuid.New().String()
	log := e.logger.With("workflow", workflow)
	log.Debug("issuance received", "state", StateReceived)

	csr, err := parseCSR(req.CSRPEM)
	if err != nil {
		log.Info("issuance rejected", "state", StateRejected, "err", err)
		return nil, err
	}

	validated, err := policy.Validate(csr, e.policy)
	if err != nil {
		log.Info("issuance rejected", "state", StateRejected,
			"subject", csr.Subject.String(), "err", err)
		return nil, err
	}
	log.Debug("policy check passed", "state", StatePolicyChecked,
		"subject", validated.Subject.String())

	days := req.ValidityDays
	if days <= 0 {
		days = e.policy.DefaultValidityDays
	}
	if e.policy.MaxValidityDays != 0 && days > e.policy.MaxValidityDays {
		log.Info("issuance rejected", "state", StateRejected,
			"requested_days", days, "max_days", e.policy.MaxValidityDays)
		return nil, fmt.Errorf("%d days: %w", days, ErrValidityTooLong)
	}

	serial, err := e.ledger.AllocateSerial()
	if err != nil {
		// Ledger exhaustion or a failed counter write is fatal, not
		// retryable.
		log.Error("serial allocation failed", "err", err)
		return nil, err
	}
	log.Debug("serial allocated", "state", StateSerialAllocated, "serial", serial)

	notBefore := e.now().UTC()
	notAfter := notBefore.AddDate(0, 0, days)

	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               validated.Subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              validated.KeyUsage,
		ExtKeyUsage:           validated.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  validated.IsCA,
		DNSNames:              validated.DNSNames,
		IPAddresses:           validated.IPAddresses,
		EmailAddresses:        validated.EmailAddresses,
		SignatureAlgorithm:    e.sigAlg,
	}
	if validated.IsCA && validated.MaxPathLen >= 0 {
		template.MaxPathLen = validated.MaxPathLen
		template.MaxPathLenZero = validated.MaxPathLen == 0
	}

	der, err := e.sign(ctx, template, validated.PublicKey)
	if err != nil {
		// The allocated serial is retired, never reused.
		log.Warn("signing failed", "state", StateRejected, "serial", serial, "err", err)
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing signed certificate: %v", ErrSigningFailed, err)
	}
	log.Debug("certificate signed", "state", StateSigned, "serial", serial)

	// Write-ahead: the ledger entry is durable before the certificate is
	// handed back.
	if err := e.ledger.Record(serial, validated.Subject.CommonName, notBefore, notAfter); err != nil {
		if errors.Is(err, ledger.ErrDuplicateSerial) {
			log.Error("ledger integrity alarm: allocated serial already recorded",
				"serial", serial, "err", err)
			return nil, fmt.Errorf("serial %d: %w", serial, ErrLedgerIntegrity)
		}
		return nil, err
	}
	if err := e.store.Put(cert); err != nil {
		return nil, fmt.Errorf("storing issued certificate: %w", err)
	}
	log.Debug("issuance recorded", "state", StateRecorded, "serial", serial)

	log.Info("certificate issued", "state", StateComplete, "serial", serial,
		"subject", validated.Subject.String(), "not_after", notAfter)
	return &Issued{
		Certificate: cert,
		PEM:         EncodeCertificatePEM(der),
		Serial:      serial,
	}, nil
}

// Revoke marks an issued certificate revoked in the ledger. The reason is an
// x509 CRL reason code (0 = unspecified, 1 = keyCompromise, 4 = superseded).
func (e *Engine) Revoke(serial uint64, reason int) error {
	if err := e.ledger.MarkRevoked(serial, reason, e.now().UTC()); err != nil {
		return err
	}
	e.logger.Info("certificate revoked", "serial", serial, "reason", reason)
	return nil
}

// sign runs the capability provider's signing operation, bounded by the
// engine's timeout when one is configured. Hardware-backed signers may be
// slow; the call blocks only this workflow.
func (e *Engine) sign(ctx context.Context, template *x509.Certificate, pub any) ([]byte, error) {
	signer, err := e.keys.Signer(e.caKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	if e.signTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.signTimeout)
		defer cancel()
	}

	type result struct {
		der []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		der, err := x509.CreateCertificate(e.rand, template, e.caCert, pub, signer)
		done <- result{der, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, res.err)
		}
		return res.der, nil
	}
}

// parseCSR decodes a PEM PKCS#10 request and verifies its self-signature
// (proof of possession of the private key).
func parseCSR(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: not a PEM certificate request", ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: self-signature check failed: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}

// EncodeCertificatePEM renders DER certificate bytes as PEM.
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
