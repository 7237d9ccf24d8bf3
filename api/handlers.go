package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/issuer"
	"github.com/jmcleod/signet/ledger"
)

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.CSRPEM) == "" {
		writeError(w, http.StatusBadRequest, "csr_pem is required")
		return
	}

	issued, err := a.engine.Issue(r.Context(), issuer.IssueRequest{
		CSRPEM:       []byte(req.CSRPEM),
		ValidityDays: req.ValidityDays,
	})
	if err != nil {
		recordIssuanceError(err)
		mapError(w, err)
		return
	}
	issuedTotal.Inc()

	rec, err := a.store.Get(issued.Serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, certResponse(rec, ledger.StatusValid, true))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := a.store.List()
	if err != nil {
		mapError(w, err)
		return
	}
	now := time.Now()
	resp := make([]CertificateResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, certResponse(rec, a.statusOf(rec.Serial, now), false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	serial, ok := parseSerial(w, r)
	if !ok {
		return
	}
	rec, err := a.store.Get(serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certResponse(rec, a.statusOf(serial, time.Now()), true))
}

func (a *API) handleChain(w http.ResponseWriter, r *http.Request) {
	serial, ok := parseSerial(w, r)
	if !ok {
		return
	}
	chain, err := a.store.ChainFor(serial)
	if err != nil {
		mapError(w, err)
		return
	}

	var bundle strings.Builder
	now := time.Now()
	certs := make([]CertificateResponse, 0, len(chain))
	for _, rec := range chain {
		bundle.WriteString(pemFromRecord(rec))
		certs = append(certs, certResponse(rec, a.statusOf(rec.Serial, now), false))
	}
	writeJSON(w, http.StatusOK, ChainResponse{
		ChainPEM:     bundle.String(),
		Certificates: certs,
	})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	serial, ok := parseSerial(w, r)
	if !ok {
		return
	}
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := a.engine.Revoke(serial, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	revokedTotal.Inc()

	entry, err := a.ledger.Lookup(serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"serial": formatSerial(serial),
		"status": string(entry.Status),
	})
}

func (a *API) handleCAInfo(w http.ResponseWriter, r *http.Request) {
	caCert := a.engine.CACertificate()
	pol := a.engine.Policy()

	entries, err := a.ledger.Entries()
	if err != nil {
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CAInfoResponse{
		Subject:         caCert.Subject.String(),
		Serial:          formatSerial(caCert.SerialNumber.Uint64()),
		NotBefore:       caCert.NotBefore,
		NotAfter:        caCert.NotAfter,
		NextSerial:      formatSerial(a.ledger.NextSerial()),
		IssuedCount:     len(entries),
		PolicyRole:      string(pol.Role),
		AllowCAIssuance: pol.AllowCAIssuance,
	})
}

func (a *API) handleCACertificate(w http.ResponseWriter, r *http.Request) {
	der := a.engine.CACertificate().Raw
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(issuer.EncodeCertificatePEM(der)))
}

// statusOf derives the ledger status for display; certificates without a
// ledger entry (never the case in practice) show no status.
func (a *API) statusOf(serial uint64, now time.Time) ledger.Status {
	entry, err := a.ledger.Lookup(serial)
	if err != nil {
		return ""
	}
	return entry.StatusAt(now)
}

func parseSerial(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "serial")
	serial, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid serial number")
		return 0, false
	}
	return serial, true
}

func formatSerial(serial uint64) string {
	return strconv.FormatUint(serial, 10)
}

func pemFromRecord(rec certstore.Record) string {
	return issuer.EncodeCertificatePEM(rec.DER)
}

func recordIssuanceError(err error) {
	switch {
	case errors.Is(err, issuer.ErrSigningFailed):
		signingFailedTotal.Inc()
	default:
		rejectedTotal.Inc()
	}
}
