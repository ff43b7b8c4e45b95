// Package storage provides the persistence layer for the issuance ledger.
//
// Ledger records describe issuance attempts only: identifiers, the validity
// window, the outcome and the failed stage. Session keys, encrypted
// credentials and plaintext credentials are never part of a record.
package storage

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord is returned when a record lacks its identifiers.
	ErrInvalidRecord = errors.New("invalid record")
)

// Outcome is the final state of an issuance attempt.
type Outcome string

const (
	OutcomeIssued    Outcome = "issued"
	OutcomeFailed    Outcome = "failed"
	OutcomeThrottled Outcome = "throttled"
)

// IssuanceRecord is one ledger entry.
type IssuanceRecord struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"device_id"`
	TicketID      string    `json:"ticket_id,omitempty"`
	PasswordID    string    `json:"password_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	EffectiveTime int64     `json:"effective_time,omitempty"`
	InvalidTime   int64     `json:"invalid_time,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Repository stores ledger records partitioned by device.
type Repository interface {
	Put(rec *IssuanceRecord) error
	Get(deviceID, recordID string) (*IssuanceRecord, error)
	// List returns the device's records, newest first.
	List(deviceID string) ([]*IssuanceRecord, error)
	Delete(deviceID, recordID string) error
}

// Validate checks that rec can be stored.
func (rec *IssuanceRecord) Validate() error {
	if rec == nil || rec.ID == "" || rec.DeviceID == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Clone returns a copy of rec.
func (rec *IssuanceRecord) Clone() *IssuanceRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// SortNewestFirst orders records by creation time, newest first, breaking
// ties by ID so listings are stable.
func SortNewestFirst(recs []*IssuanceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID > recs[j].ID
	})
}
