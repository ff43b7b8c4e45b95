package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/latchkey/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &storage.IssuanceRecord{
		ID:        "r1",
		DeviceID:  "dev-1",
		Name:      "guest",
		Outcome:   storage.OutcomeIssued,
		CreatedAt: base,
	}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get("dev-1", "r1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Name != "guest" {
			t.Errorf("expected name guest, got %q", got.Name)
		}
	})

	t.Run("Isolation", func(t *testing.T) {
		got, _ := repo.Get("dev-1", "r1")
		got.Name = "mutated"
		again, _ := repo.Get("dev-1", "r1")
		if again.Name != "guest" {
			t.Error("stored record should not be affected by caller mutation")
		}
		rec.Name = "changed"
		again, _ = repo.Get("dev-1", "r1")
		if again.Name != "guest" {
			t.Error("stored record should not alias the input")
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		for i := 2; i <= 4; i++ {
			repo.Put(&storage.IssuanceRecord{
				ID:        fmt.Sprintf("r%d", i),
				DeviceID:  "dev-1",
				Outcome:   storage.OutcomeFailed,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
		}
		recs, err := repo.List("dev-1")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"r4", "r3", "r2", "r1"}
		if len(recs) != len(want) {
			t.Fatalf("expected %d records, got %d", len(want), len(recs))
		}
		for i, id := range want {
			if recs[i].ID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, recs[i].ID)
			}
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete("dev-1", "r1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get("dev-1", "r1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := repo.Delete("dev-9", "r1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown device, got %v", err)
		}
	})

	t.Run("RejectInvalid", func(t *testing.T) {
		if err := repo.Put(&storage.IssuanceRecord{DeviceID: "dev-1"}); !errors.Is(err, storage.ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord, got %v", err)
		}
		if err := repo.Put(nil); !errors.Is(err, storage.ErrInvalidRecord) {
			t.Errorf("expected ErrInvalidRecord for nil, got %v", err)
		}
	})
}

func TestMemoryRepositoryConcurrent(t *testing.T) {
	repo := NewRepository()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			repo.Put(&storage.IssuanceRecord{ID: fmt.Sprintf("r%d", i), DeviceID: "dev", CreatedAt: time.Now()})
			repo.List("dev")
		}(i)
	}
	wg.Wait()
	recs, _ := repo.List("dev")
	if len(recs) != 50 {
		t.Errorf("expected 50 records, got %d", len(recs))
	}
}
