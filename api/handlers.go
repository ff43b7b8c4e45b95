package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/latchkey/internal/uuid"
	"github.com/jmcleod/latchkey/issuance"
	"github.com/jmcleod/latchkey/media"
	"github.com/jmcleod/latchkey/storage"
)

// maxPasswordBodySize bounds the password creation request body.
const maxPasswordBodySize = 4 << 10

// DecryptImage handles GET /media/image?url=&key=.
// Fetches the encrypted container at url, decrypts it with key and streams
// the JPEG back with immutable caching.
func (a *API) DecryptImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sourceURL, key := q.Get("url"), q.Get("key")
	if sourceURL == "" || key == "" {
		a.prom.observeMedia(outcomeRejected, 0)
		writeError(w, http.StatusBadRequest, KindMissingParameter, "url and key query parameters are required")
		return
	}

	host := sourceHost(sourceURL)
	img, err := a.images.Decrypt(r.Context(), sourceURL, key)
	if err != nil {
		status, kind := classifyError(err)
		switch {
		case status < http.StatusInternalServerError && !media.IsUpstreamFailure(err):
			a.prom.observeMedia(outcomeRejected, 0)
		case media.IsUpstreamFailure(err):
			a.prom.observeMedia(outcomeFailure, 0)
			attrs := []slog.Attr{slog.String("host", host)}
			var ue *media.UpstreamError
			if errors.As(err, &ue) {
				attrs = append(attrs, slog.Int("upstream_status", ue.StatusCode))
			}
			a.audit.logFailure(AuditMediaFetchFailed, r, kind, err.Error(), attrs...)
		default:
			a.prom.observeMedia(outcomeFailure, 0)
			a.audit.logFailure(AuditMediaDecryptFailed, r, kind, err.Error(), slog.String("host", host))
		}
		mapError(w, err)
		return
	}

	a.prom.observeMedia(outcomeSuccess, img.FetchDuration)
	a.audit.log(AuditMediaDecrypted, r,
		slog.String("host", host),
		slog.Int("container_bytes", img.ContainerSize),
		slog.Int("image_bytes", len(img.Data)),
		slog.Duration("fetch_duration", img.FetchDuration),
	)
	media.WriteImage(w, img)
}

// CreateTemporaryPassword handles POST /devices/{deviceID}/temporary-passwords.
// Runs the full ticket issuance flow and records the attempt in the ledger.
func (a *API) CreateTemporaryPassword(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if blocked, retryAfter := a.limiter.check(deviceID); blocked {
		a.prom.observeIssuance(outcomeThrottled, "")
		a.audit.logEvent(AuditPasswordIssueThrottled, r, deviceID,
			slog.String("error_kind", KindThrottled),
			slog.Duration("retry_after", retryAfter),
		)
		a.appendRecord(&storage.IssuanceRecord{
			DeviceID:  deviceID,
			Outcome:   storage.OutcomeThrottled,
			ErrorKind: KindThrottled,
		})
		writeRateLimited(w, retryAfter)
		return
	}

	body, ok := decodeJSON[CreatePasswordRequest](w, r, maxPasswordBodySize)
	if !ok {
		a.prom.observeIssuance(outcomeRejected, "")
		return
	}

	res, err := a.issuer.Issue(r.Context(), issuance.Request{
		DeviceID:      deviceID,
		Credential:    body.Password,
		Name:          body.Name,
		EffectiveTime: unixTime(body.EffectiveTime),
		InvalidTime:   unixTime(body.InvalidTime),
	})
	rec := &storage.IssuanceRecord{
		DeviceID:      deviceID,
		Name:          body.Name,
		EffectiveTime: body.EffectiveTime,
		InvalidTime:   body.InvalidTime,
	}
	if err != nil {
		if errors.Is(err, issuance.ErrInvalidRequest) {
			a.prom.observeIssuance(outcomeRejected, "")
			mapError(w, err)
			return
		}

		_, kind := classifyError(err)
		stage, _ := issuance.FailedStage(err)
		// A caller that went away says nothing about the device.
		if !errors.Is(err, context.Canceled) {
			a.limiter.recordFailure(deviceID)
		}

		rec.Outcome = storage.OutcomeFailed
		rec.FailedStage = string(stage)
		rec.ErrorKind = kind
		a.appendRecord(rec)

		a.prom.observeIssuance(outcomeFailure, string(stage))
		a.audit.logEvent(AuditPasswordIssueFailed, r, deviceID,
			slog.String("stage", string(stage)),
			slog.String("error_kind", kind),
			slog.String("reason", err.Error()),
		)
		mapError(w, err)
		return
	}

	a.limiter.recordSuccess(deviceID)

	rec.Outcome = storage.OutcomeIssued
	rec.TicketID = res.TicketID
	rec.PasswordID = res.PasswordID
	rec.Name = res.Name
	recordID := a.appendRecord(rec)

	a.prom.observeIssuance(outcomeSuccess, string(issuance.StageDone))
	a.audit.logEvent(AuditPasswordIssued, r, deviceID,
		slog.String("ticket_id", res.TicketID),
		slog.String("password_id", res.PasswordID),
	)

	writeJSON(w, http.StatusCreated, CreatePasswordResponse{
		DeviceID:      res.DeviceID,
		TicketID:      res.TicketID,
		PasswordID:    res.PasswordID,
		Name:          res.Name,
		EffectiveTime: res.EffectiveTime.Unix(),
		InvalidTime:   res.InvalidTime.Unix(),
		RecordID:      recordID,
	})
}

// ListIssuanceHistory handles GET /devices/{deviceID}/temporary-passwords/history.
// Returns ledger records newest first, optionally filtered by outcome and
// paginated by limit and offset.
func (a *API) ListIssuanceHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	hq, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return
	}
	recs, err := a.repo.List(deviceID)
	if err != nil {
		mapError(w, err)
		return
	}

	page, meta := hq.page(recs)
	out := make([]IssuanceRecordResponse, 0, len(page))
	for _, rec := range page {
		out = append(out, recordToAPI(rec))
	}
	writeJSON(w, http.StatusOK, IssuanceHistoryResponse{
		DeviceID:       deviceID,
		Records:        out,
		PaginationMeta: meta,
	})
}

// GetIssuanceRecord handles GET /devices/{deviceID}/temporary-passwords/history/{recordID}.
func (a *API) GetIssuanceRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.repo.Get(chi.URLParam(r, "deviceID"), chi.URLParam(r, "recordID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordToAPI(rec))
}

// appendRecord stamps rec and stores it. A ledger write failure is logged
// and never fails the request: the credential already exists on the lock.
func (a *API) appendRecord(rec *storage.IssuanceRecord) string {
	if a.repo == nil {
		return ""
	}
	rec.ID = uuid.New()
	rec.CreatedAt = a.now().UTC()
	if err := a.repo.Put(rec); err != nil {
		a.logger.Warn("failed to append issuance record", "device_id", rec.DeviceID, "error", err)
		return ""
	}
	return rec.ID
}

func recordToAPI(rec *storage.IssuanceRecord) IssuanceRecordResponse {
	return IssuanceRecordResponse{
		ID:            rec.ID,
		TicketID:      rec.TicketID,
		PasswordID:    rec.PasswordID,
		Name:          rec.Name,
		EffectiveTime: rec.EffectiveTime,
		InvalidTime:   rec.InvalidTime,
		Outcome:       string(rec.Outcome),
		FailedStage:   rec.FailedStage,
		ErrorKind:     rec.ErrorKind,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// sourceHost returns only the host of a media URL; the path and query can
// carry signed access tokens and are never logged.
func sourceHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
