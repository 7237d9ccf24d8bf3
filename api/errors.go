package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/issuer"
	"github.com/jmcleod/signet/ledger"
	"github.com/jmcleod/signet/policy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	var violation *policy.Violation
	switch {
	case errors.As(err, &violation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, issuer.ErrInvalidCSR):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, issuer.ErrValidityTooLong):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, issuer.ErrSigningFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, issuer.ErrLedgerIntegrity):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, certstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, certstore.ErrChainBroken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
