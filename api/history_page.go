package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/jmcleod/latchkey/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// PaginationMeta is embedded in the issuance history response.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// historyQuery selects one page of a device's ledger.
type historyQuery struct {
	limit   int
	offset  int
	outcome storage.Outcome
}

// parseHistoryQuery reads limit, offset and outcome. Malformed values are
// rejected; limit is capped at maxPageLimit.
func parseHistoryQuery(r *http.Request) (historyQuery, error) {
	q := r.URL.Query()
	hq := historyQuery{limit: defaultPageLimit}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return hq, errors.New("limit must be a positive integer")
		}
		hq.limit = min(n, maxPageLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return hq, errors.New("offset must be a non-negative integer")
		}
		hq.offset = n
	}
	switch o := storage.Outcome(q.Get("outcome")); o {
	case "", storage.OutcomeIssued, storage.OutcomeFailed, storage.OutcomeThrottled:
		hq.outcome = o
	default:
		return hq, errors.New("outcome must be one of issued, failed, throttled")
	}
	return hq, nil
}

// page filters recs by outcome, orders them newest first and cuts the
// requested window. recs is not modified. TotalCount counts filtered records.
func (hq historyQuery) page(recs []*storage.IssuanceRecord) ([]*storage.IssuanceRecord, PaginationMeta) {
	matched := make([]*storage.IssuanceRecord, 0, len(recs))
	for _, rec := range recs {
		if hq.outcome == "" || rec.Outcome == hq.outcome {
			matched = append(matched, rec)
		}
	}
	storage.SortNewestFirst(matched)

	start := min(hq.offset, len(matched))
	end := min(start+hq.limit, len(matched))
	return slices.Clip(matched[start:end]), PaginationMeta{
		TotalCount: len(matched),
		Limit:      hq.limit,
		Offset:     hq.offset,
		HasMore:    end < len(matched),
	}
}
