package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"taxi-service/internal/models"
)

func seedRide(t *testing.T, m *MemoryStore, id string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:              id,
		RiderID:         "rider-1",
		ProposedFareIqd: 15000,
		SearchRadiusM:   2000,
		SearchPhase:     models.PhaseInitial,
		Status:          models.RideSearching,
		CreatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	if err := m.CreateRide(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestInRideTxFailureLeavesStoreUntouched(t *testing.T) {
	m := NewMemoryStore()
	seedRide(t, m, "ride-1")
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.InRideTx(ctx, "ride-1", func(tx RideTx) error {
		r := tx.Ride()
		r.Status = models.RideCancelled
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		if err := tx.InsertBid(&models.Bid{ID: "bid-1", RideID: "ride-1", CaptainID: "cap-1", Status: models.BidActive}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	r, _ := m.GetRide(ctx, "ride-1")
	if r.Status != models.RideSearching {
		t.Fatalf("status = %s, rollback failed", r.Status)
	}
	bids, _ := m.BidsForRide(ctx, "ride-1")
	if len(bids) != 0 {
		t.Fatalf("bids = %d, rollback failed", len(bids))
	}
}

func TestInRideTxRollbackSentinelReturnsNil(t *testing.T) {
	m := NewMemoryStore()
	seedRide(t, m, "ride-1")
	ctx := context.Background()

	err := m.InRideTx(ctx, "ride-1", func(tx RideTx) error {
		r := tx.Ride()
		r.Status = models.RideCancelled
		if err := tx.UpdateRide(r); err != nil {
			return err
		}
		return ErrTxRollback
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	r, _ := m.GetRide(ctx, "ride-1")
	if r.Status != models.RideSearching {
		t.Fatalf("status = %s, sentinel must discard writes", r.Status)
	}
}

func TestInRideTxUnknownRide(t *testing.T) {
	m := NewMemoryStore()
	err := m.InRideTx(context.Background(), "nope", func(RideTx) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBidsOrderedByCreationThenID(t *testing.T) {
	m := NewMemoryStore()
	seedRide(t, m, "ride-1")
	ctx := context.Background()
	base := time.Now()

	err := m.InRideTx(ctx, "ride-1", func(tx RideTx) error {
		for _, b := range []*models.Bid{
			{ID: "b-c", RideID: "ride-1", CaptainID: "cap-3", Status: models.BidActive, CreatedAt: base.Add(2 * time.Second)},
			{ID: "b-b", RideID: "ride-1", CaptainID: "cap-2", Status: models.BidActive, CreatedAt: base},
			{ID: "b-a", RideID: "ride-1", CaptainID: "cap-1", Status: models.BidActive, CreatedAt: base},
		} {
			if err := tx.InsertBid(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	bids, _ := m.BidsForRide(ctx, "ride-1")
	got := []string{bids[0].ID, bids[1].ID, bids[2].ID}
	want := []string{"b-a", "b-b", "b-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestGetRideReturnsClone(t *testing.T) {
	m := NewMemoryStore()
	seedRide(t, m, "ride-1")
	ctx := context.Background()

	r1, _ := m.GetRide(ctx, "ride-1")
	r1.Status = models.RideCancelled

	r2, _ := m.GetRide(ctx, "ride-1")
	if r2.Status != models.RideSearching {
		t.Fatal("mutating a returned ride leaked into the store")
	}
}
