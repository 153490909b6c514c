package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fermlab/biopipe/pkg/features"
)

func record(vessel string, seq int64) Record {
	return Record{
		VesselID:    vessel,
		BatchID:     "batch-42",
		GeneratedAt: time.Now().UTC(),
		Sequence:    seq,
		Features:    map[string]float64{"cer": 0.9, "our": 1.08},
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore(0)

	if err := store.Put(context.Background(), record("bior-7", 1)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, found, err := store.GetLatest(context.Background(), "bior-7")
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if !found {
		t.Fatal("GetLatest() found = false, want true")
	}
	if got.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", got.Sequence)
	}
	if got.Features["cer"] != 0.9 {
		t.Errorf("Features[cer] = %v, want 0.9", got.Features["cer"])
	}
}

func TestMemoryStore_EmptyVessel(t *testing.T) {
	store := NewMemoryStore(0)

	if err := store.Put(context.Background(), Record{}); err == nil {
		t.Error("Put() with empty vessel should fail")
	}
}

func TestMemoryStore_GetLatest_NotFound(t *testing.T) {
	store := NewMemoryStore(0)

	_, found, err := store.GetLatest(context.Background(), "nonexistent")
	if err != nil {
		t.Errorf("GetLatest() error = %v", err)
	}
	if found {
		t.Error("GetLatest() found = true for nonexistent vessel, want false")
	}
}

func TestMemoryStore_LatestReplaced(t *testing.T) {
	store := NewMemoryStore(0)

	for seq := int64(1); seq <= 3; seq++ {
		if err := store.Put(context.Background(), record("bior-7", seq)); err != nil {
			t.Fatalf("Put(%d) error = %v", seq, err)
		}
	}

	got, _, _ := store.GetLatest(context.Background(), "bior-7")
	if got.Sequence != 3 {
		t.Errorf("Sequence = %d, want latest 3", got.Sequence)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_HistoryNewestFirst(t *testing.T) {
	store := NewMemoryStore(0)

	for seq := int64(1); seq <= 5; seq++ {
		if err := store.Put(context.Background(), record("bior-7", seq)); err != nil {
			t.Fatalf("Put(%d) error = %v", seq, err)
		}
	}

	history, err := store.History(context.Background(), "bior-7", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	for i, want := range []int64{5, 4, 3} {
		if history[i].Sequence != want {
			t.Errorf("history[%d].Sequence = %d, want %d", i, history[i].Sequence, want)
		}
	}
}

func TestMemoryStore_HistoryTrimmed(t *testing.T) {
	store := NewMemoryStore(2)

	for seq := int64(1); seq <= 5; seq++ {
		if err := store.Put(context.Background(), record("bior-7", seq)); err != nil {
			t.Fatalf("Put(%d) error = %v", seq, err)
		}
	}

	history, err := store.History(context.Background(), "bior-7", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("len(history) = %d, want maxHistory 2", len(history))
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, record("bior-7", 1)); err == nil {
		t.Error("Put() with canceled context should fail")
	}
	if _, _, err := store.GetLatest(ctx, "bior-7"); err == nil {
		t.Error("GetLatest() with canceled context should fail")
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore(64)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			vessel := fmt.Sprintf("bior-%d", id%3)
			for i := 0; i < 50; i++ {
				if err := store.Put(context.Background(), record(vessel, int64(i))); err != nil {
					t.Errorf("Put() error = %v", err)
				}
				if _, _, err := store.GetLatest(context.Background(), vessel); err != nil {
					t.Errorf("GetLatest() error = %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if store.Len() != 3 {
		t.Errorf("Len() = %d, want 3 vessels", store.Len())
	}
}

func TestFromVector(t *testing.T) {
	windowStart := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	windowEnd := windowStart.Add(30 * time.Second)

	vec := features.Vector{
		BatchID:     "batch-42",
		WindowStart: windowStart,
		Sequence:    7,
		Values:      map[string]float64{"mu": 0.15},
	}

	rec := FromVector("bior-7", windowEnd, vec)

	if rec.VesselID != "bior-7" || rec.BatchID != "batch-42" {
		t.Errorf("context = %s/%s, want bior-7/batch-42", rec.VesselID, rec.BatchID)
	}
	if rec.Sequence != 7 {
		t.Errorf("Sequence = %d, want 7", rec.Sequence)
	}
	if !rec.WindowStart.Equal(windowStart) || !rec.WindowEnd.Equal(windowEnd) {
		t.Error("window bounds not carried over")
	}
	if rec.GeneratedAt.IsZero() {
		t.Error("GeneratedAt must be stamped")
	}
	if rec.Features["mu"] != 0.15 {
		t.Errorf("Features[mu] = %v, want 0.15", rec.Features["mu"])
	}
}
