package rides

import (
	"context"
	"testing"
	"time"

	"taxi-service/internal/models"
)

func TestSweepEscalatesThroughPhases(t *testing.T) {
	svc, store := newTestService(t, Config{
		EscalationInterval: time.Millisecond,
		Phase2RadiusM:      models.Phase2SearchRadiusM,
	})
	ride := createTestRide(t, svc, "rider-1")
	ctx := context.Background()

	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	fresh, _ := store.GetRide(ctx, ride.ID)
	if fresh.SearchPhase != models.PhaseExpanded || fresh.SearchRadiusM != models.Phase2SearchRadiusM {
		t.Fatalf("after first sweep: phase=%d radius=%d", fresh.SearchPhase, fresh.SearchRadiusM)
	}
	if fresh.NextEscalationAt == nil {
		t.Fatal("phase 2 must schedule the next escalation")
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	fresh, _ = store.GetRide(ctx, ride.ID)
	if fresh.SearchPhase != models.PhaseExhausted {
		t.Fatalf("after second sweep: phase=%d", fresh.SearchPhase)
	}
	if fresh.NoCaptainNotifiedAt == nil {
		t.Fatal("no-captain notification timestamp not set")
	}
	if fresh.NextEscalationAt != nil {
		t.Fatal("phase 3 must stop rescheduling")
	}
	notified := *fresh.NoCaptainNotifiedAt

	// Further sweeps never renotify.
	if _, err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	fresh, _ = store.GetRide(ctx, ride.ID)
	if !fresh.NoCaptainNotifiedAt.Equal(notified) {
		t.Fatal("no-captain notification repeated")
	}
}

func TestSweepExpiresRideAndBids(t *testing.T) {
	svc, store := newTestService(t, Config{RideTTL: 40 * time.Millisecond})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	ctx := context.Background()

	time.Sleep(60 * time.Millisecond)
	if _, err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	fresh, _ := store.GetRide(ctx, ride.ID)
	if fresh.Status != models.RideExpired {
		t.Fatalf("status = %s, want %s", fresh.Status, models.RideExpired)
	}
	if fresh.CurrentBidID != nil {
		t.Fatal("current_bid_id must be cleared on expiry")
	}
	bids, _ := store.BidsForRide(ctx, ride.ID)
	for _, b := range bids {
		if b.Status != models.BidExpired {
			t.Fatalf("bid %s status = %s, want %s", b.ID, b.Status, models.BidExpired)
		}
	}
}

func TestExpiryBackstopOnRead(t *testing.T) {
	svc, _ := newTestService(t, Config{RideTTL: 20 * time.Millisecond})
	ride := createTestRide(t, svc, "rider-1")
	ctx := context.Background()

	time.Sleep(40 * time.Millisecond)

	// No sweeper has run, but a plain read already observes the expiry.
	d, err := svc.ByID(ctx, rider("rider-1"), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Ride.Status != models.RideExpired {
		t.Fatalf("status = %s, want %s", d.Ride.Status, models.RideExpired)
	}
}

func TestExpiryBackstopOnSubmitBid(t *testing.T) {
	svc, store := newTestService(t, Config{RideTTL: 20 * time.Millisecond})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	ctx := context.Background()

	time.Sleep(40 * time.Millisecond)

	_, err := svc.SubmitBid(ctx, captain("cap-1"), ride.ID, SubmitBidRequest{FareIqd: 18000})
	ce, ok := err.(*ConflictError)
	if !ok || ce.Code != CodeNotAcceptingBids || ce.CurrentStatus != models.RideExpired {
		t.Fatalf("err = %v, want %s with status %s", err, CodeNotAcceptingBids, models.RideExpired)
	}

	// The expiry itself committed even though the bid was refused.
	fresh, _ := store.GetRide(ctx, ride.ID)
	if fresh.Status != models.RideExpired {
		t.Fatalf("status = %s, want %s persisted", fresh.Status, models.RideExpired)
	}
}

func TestSweepIgnoresAssignedRides(t *testing.T) {
	svc, store := newTestService(t, Config{EscalationInterval: time.Millisecond})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	bid := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	ctx := context.Background()
	if _, err := svc.AcceptBid(ctx, rider("rider-1"), ride.ID, bid.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	fresh, _ := store.GetRide(ctx, ride.ID)
	if fresh.Status != models.RideCaptainAssigned {
		t.Fatalf("status = %s, want %s untouched", fresh.Status, models.RideCaptainAssigned)
	}
}
