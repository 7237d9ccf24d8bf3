package api

import (
	"time"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/ledger"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IssueRequest is the body of POST /certificates.
type IssueRequest struct {
	CSRPEM       string `json:"csr_pem"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

// RevokeRequest is the body of POST /certificates/{serial}/revoke. Reason is
// an x509 CRL reason code.
type RevokeRequest struct {
	Reason int `json:"reason"`
}

// CertificateResponse describes one issued certificate. Serials are decimal
// strings so 64-bit values survive JSON round-trips.
type CertificateResponse struct {
	Serial            string    `json:"serial"`
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	IsCA              bool      `json:"is_ca"`
	Status            string    `json:"status,omitempty"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	CertificatePEM    string    `json:"certificate_pem,omitempty"`
}

// ChainResponse is the ordered chain from leaf to self-signed root.
type ChainResponse struct {
	ChainPEM     string                `json:"chain_pem"`
	Certificates []CertificateResponse `json:"certificates"`
}

// CAInfoResponse is public metadata about this CA instance.
type CAInfoResponse struct {
	Subject         string    `json:"subject"`
	Serial          string    `json:"serial"`
	NotBefore       time.Time `json:"not_before"`
	NotAfter        time.Time `json:"not_after"`
	NextSerial      string    `json:"next_serial"`
	IssuedCount     int       `json:"issued_count"`
	PolicyRole      string    `json:"policy_role"`
	AllowCAIssuance bool      `json:"allow_ca_issuance"`
}

func certResponse(rec certstore.Record, status ledger.Status, withPEM bool) CertificateResponse {
	resp := CertificateResponse{
		Serial:            formatSerial(rec.Serial),
		Subject:           rec.Subject,
		Issuer:            rec.Issuer,
		NotBefore:         rec.NotBefore,
		NotAfter:          rec.NotAfter,
		IsCA:              rec.IsCA,
		Status:            string(status),
		FingerprintSHA256: rec.FingerprintSHA256,
	}
	if withPEM {
		resp.CertificatePEM = pemFromRecord(rec)
	}
	return resp
}
