package policy

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// Extension OIDs consumed from CSRs (RFC 5280).
var (
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
)

var ekuOIDs = map[string]x509.ExtKeyUsage{
	"2.5.29.37.0":         x509.ExtKeyUsageAny,
	"1.3.6.1.5.5.7.3.1":   x509.ExtKeyUsageServerAuth,
	"1.3.6.1.5.5.7.3.2":   x509.ExtKeyUsageClientAuth,
	"1.3.6.1.5.5.7.3.3":   x509.ExtKeyUsageCodeSigning,
	"1.3.6.1.5.5.7.3.4":   x509.ExtKeyUsageEmailProtection,
	"1.3.6.1.5.5.7.3.8":   x509.ExtKeyUsageTimeStamping,
	"1.3.6.1.5.5.7.3.9":   x509.ExtKeyUsageOCSPSigning,
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

// requestedExtensions is what a CSR asked for, decoded from its raw
// extension list. crypto/x509 only surfaces SANs from CSRs; key usage,
// extended key usage and basic constraints have to be unmarshalled by hand.
type requestedExtensions struct {
	KeyUsage     x509.KeyUsage
	ExtKeyUsages []x509.ExtKeyUsage
	UnknownEKUs  []asn1.ObjectIdentifier
	IsCA         bool
	MaxPathLen   int // -1 when absent
}

func parseRequestedExtensions(csr *x509.CertificateRequest) (requestedExtensions, error) {
	req := requestedExtensions{MaxPathLen: -1}

	all := append([]pkix.Extension{}, csr.Extensions...)
	all = append(all, csr.ExtraExtensions...)

	for _, e := range all {
		switch {
		case e.Id.Equal(oidKeyUsage):
			var bs asn1.BitString
			if _, err := asn1.Unmarshal(e.Value, &bs); err != nil {
				return req, fmt.Errorf("unmarshal keyUsage: %w", err)
			}
			req.KeyUsage = bitStringToKeyUsage(bs)

		case e.Id.Equal(oidExtendedKeyUsage):
			var oids []asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(e.Value, &oids); err != nil {
				return req, fmt.Errorf("unmarshal extendedKeyUsage: %w", err)
			}
			for _, oid := range oids {
				if eku, ok := ekuOIDs[oid.String()]; ok {
					req.ExtKeyUsages = append(req.ExtKeyUsages, eku)
				} else {
					req.UnknownEKUs = append(req.UnknownEKUs, oid)
				}
			}

		case e.Id.Equal(oidBasicConstraints):
			var bc basicConstraints
			if _, err := asn1.Unmarshal(e.Value, &bc); err != nil {
				return req, fmt.Errorf("unmarshal basicConstraints: %w", err)
			}
			req.IsCA = bc.IsCA
			req.MaxPathLen = bc.MaxPathLen
		}
	}

	return req, nil
}

// bitStringToKeyUsage decodes an MSB-first BIT STRING into a Go key usage
// mask. Only the nine RFC 5280 bits are considered.
func bitStringToKeyUsage(bs asn1.BitString) x509.KeyUsage {
	var ku x509.KeyUsage
	for i := 0; i <= 8 && i < bs.BitLength; i++ {
		byteIdx := i / 8
		if byteIdx >= len(bs.Bytes) {
			break
		}
		bitInByte := 7 - (i % 8)
		if bs.Bytes[byteIdx]&(1<<uint(bitInByte)) != 0 {
			ku |= 1 << uint(i)
		}
	}
	return ku
}
