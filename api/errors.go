package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/latchkey/crypto"
	"github.com/jmcleod/latchkey/issuance"
	"github.com/jmcleod/latchkey/media"
	"github.com/jmcleod/latchkey/storage"
)

// Error kinds reported in ErrorResponse.Kind.
const (
	KindInvalidSecretLength = "invalid_secret_length"
	KindInvalidKeyLength    = "invalid_key_length"
	KindContainerTooShort   = "container_too_short"
	KindUnwrapFailed        = "unwrap_failed"
	KindDecryptFailed       = "decrypt_failed"
	KindEncryptionFailed    = "encryption_failed"
	KindTicketRequestFailed = "ticket_request_failed"
	KindSubmissionFailed    = "submission_failed"
	KindUpstreamFetchFailed = "upstream_fetch_failed"
	KindInvalidRequest      = "invalid_request"
	KindMissingParameter    = "missing_parameter"
	KindContainerTooLarge   = "container_too_large"
	KindThrottled           = "throttled"
	KindNotFound            = "not_found"
	KindInternal            = "internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// classifyError maps err to an HTTP status and error kind. Issuance stage
// sentinels are checked before the crypto sentinels they may wrap, so a
// failed unwrap reports unwrap_failed rather than the underlying cause.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, issuance.ErrInvalidRequest):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, crypto.ErrInvalidSecretLength):
		return http.StatusInternalServerError, KindInvalidSecretLength
	case errors.Is(err, issuance.ErrTicketRequestFailed):
		return http.StatusBadGateway, KindTicketRequestFailed
	case errors.Is(err, issuance.ErrSubmissionFailed):
		return http.StatusBadGateway, KindSubmissionFailed
	case errors.Is(err, issuance.ErrKeyUnwrapFailed), errors.Is(err, crypto.ErrUnwrapFailed):
		return http.StatusInternalServerError, KindUnwrapFailed
	case errors.Is(err, issuance.ErrCredentialEncryptFailed):
		if errors.Is(err, crypto.ErrInvalidKeyLength) {
			return http.StatusInternalServerError, KindInvalidKeyLength
		}
		return http.StatusInternalServerError, KindEncryptionFailed
	case errors.Is(err, crypto.ErrInvalidKeyLength):
		return http.StatusBadRequest, KindInvalidKeyLength
	case errors.Is(err, media.ErrInvalidSourceURL), errors.Is(err, media.ErrHostNotAllowed):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, media.ErrContainerTooLarge):
		return http.StatusBadGateway, KindContainerTooLarge
	case errors.Is(err, media.ErrUpstreamFetchFailed):
		return http.StatusBadGateway, KindUpstreamFetchFailed
	case errors.Is(err, crypto.ErrContainerTooShort):
		return http.StatusInternalServerError, KindContainerTooShort
	case errors.Is(err, crypto.ErrDecryptFailed):
		return http.StatusInternalServerError, KindDecryptFailed
	case errors.Is(err, crypto.ErrEncryptionFailed):
		return http.StatusInternalServerError, KindEncryptionFailed
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func mapError(w http.ResponseWriter, err error) {
	status, kind := classifyError(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	if kind == KindInternal {
		resp.Error = "internal error"
	}
	if stage, ok := issuance.FailedStage(err); ok {
		resp.Stage = string(stage)
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a JSON body of at most limit bytes into a T. On failure
// it writes a 400 and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, "invalid request body")
		return v, false
	}
	return v, true
}
