// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"sync"

	"github.com/jmcleod/latchkey/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.IssuanceRecord
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.IssuanceRecord)}
}

func (r *Repository) Put(rec *storage.IssuanceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[rec.DeviceID]; !ok {
		r.data[rec.DeviceID] = make(map[string]*storage.IssuanceRecord)
	}
	r.data[rec.DeviceID][rec.ID] = rec.Clone()
	return nil
}

func (r *Repository) Get(deviceID, recordID string) (*storage.IssuanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[deviceID][recordID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", deviceID, recordID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(deviceID string) ([]*storage.IssuanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]*storage.IssuanceRecord, 0, len(r.data[deviceID]))
	for _, rec := range r.data[deviceID] {
		recs = append(recs, rec.Clone())
	}
	storage.SortNewestFirst(recs)
	return recs, nil
}

func (r *Repository) Delete(deviceID, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	deviceData, ok := r.data[deviceID]
	if !ok {
		return fmt.Errorf("%s/%s: %w", deviceID, recordID, storage.ErrNotFound)
	}
	if _, ok := deviceData[recordID]; !ok {
		return fmt.Errorf("%s/%s: %w", deviceID, recordID, storage.ErrNotFound)
	}
	delete(deviceData, recordID)
	return nil
}
