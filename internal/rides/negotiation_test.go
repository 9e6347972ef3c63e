package rides

import (
	"context"
	"errors"
	"testing"

	"taxi-service/internal/models"
	"taxi-service/internal/storage"
)

func TestSubmitBidRequiresOnlinePresence(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")

	_, err := svc.SubmitBid(context.Background(), captain("cap-1"), ride.ID, SubmitBidRequest{FareIqd: 18000})
	ce, ok := err.(*ConflictError)
	if !ok || ce.Code != CodeCaptainOffline {
		t.Fatalf("err = %v, want %s conflict", err, CodeCaptainOffline)
	}
	if ce.CurrentStatus != models.RideSearching {
		t.Fatalf("current_status = %s, want the ride's status %s", ce.CurrentStatus, models.RideSearching)
	}
}

func TestSubmitBidUnknownRideIsNotFoundForOfflineCaptain(t *testing.T) {
	svc, _ := newTestService(t, Config{})

	// No presence row at all; the missing ride must still win.
	_, err := svc.SubmitBid(context.Background(), captain("cap-1"), "no-such-ride", SubmitBidRequest{FareIqd: 18000})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitBidOutOfRange(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	// ~11km north of the pickup, far outside the default 2km radius.
	seedCaptain(t, store, "cap-far", testLat+0.1, testLng)

	_, err := svc.SubmitBid(context.Background(), captain("cap-far"), ride.ID, SubmitBidRequest{FareIqd: 18000})
	if got := conflictCode(t, err); got != CodeRideOutOfRange {
		t.Fatalf("code = %s, want %s", got, CodeRideOutOfRange)
	}
}

func TestSelfBidForbidden(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "user-1")
	seedCaptain(t, store, "user-1", testLat, testLng)

	_, err := svc.SubmitBid(context.Background(), captain("user-1"), ride.ID, SubmitBidRequest{FareIqd: 18000})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestFirstBidBecomesCurrent(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)

	bid := submitTestBid(t, svc, ride.ID, "cap-1", 18000)

	fresh, err := store.GetRide(context.Background(), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.CurrentBidID == nil || *fresh.CurrentBidID != bid.ID {
		t.Fatalf("current_bid_id = %v, want %s", fresh.CurrentBidID, bid.ID)
	}
}

func TestRejectPromotesNextBidInOrder(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	for _, id := range []string{"cap-1", "cap-2", "cap-3"} {
		seedCaptain(t, store, id, testLat, testLng)
	}
	b1 := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	b2 := submitTestBid(t, svc, ride.ID, "cap-2", 17000)
	b3 := submitTestBid(t, svc, ride.ID, "cap-3", 16000)

	d, err := svc.RejectCurrentBid(context.Background(), rider("rider-1"), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Ride.CurrentBidID == nil || *d.Ride.CurrentBidID != b2.ID {
		t.Fatalf("after rejecting %s, current = %v, want %s", b1.ID, d.Ride.CurrentBidID, b2.ID)
	}

	// Withdrawing the promoted bid moves the pointer to the third.
	d, err = svc.WithdrawBid(context.Background(), captain("cap-2"), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Ride.CurrentBidID == nil || *d.Ride.CurrentBidID != b3.ID {
		t.Fatalf("after withdrawal, current = %v, want %s", d.Ride.CurrentBidID, b3.ID)
	}
}

func TestAcceptRequiresCurrentBid(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	seedCaptain(t, store, "cap-2", testLat, testLng)
	submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	b2 := submitTestBid(t, svc, ride.ID, "cap-2", 17000)

	_, err := svc.AcceptBid(context.Background(), rider("rider-1"), ride.ID, b2.ID)
	if got := conflictCode(t, err); got != CodeBidNotCurrent {
		t.Fatalf("code = %s, want %s", got, CodeBidNotCurrent)
	}
}

func TestAcceptAssignsCaptainAndRejectsOthers(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	seedCaptain(t, store, "cap-2", testLat, testLng)
	b1 := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	submitTestBid(t, svc, ride.ID, "cap-2", 17000)

	d, err := svc.AcceptBid(context.Background(), rider("rider-1"), ride.ID, b1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Ride.Status != models.RideCaptainAssigned {
		t.Fatalf("status = %s, want %s", d.Ride.Status, models.RideCaptainAssigned)
	}
	if d.Ride.CaptainID == nil || *d.Ride.CaptainID != "cap-1" {
		t.Fatalf("captain = %v, want cap-1", d.Ride.CaptainID)
	}
	if d.Ride.AgreedFareIqd == nil || *d.Ride.AgreedFareIqd != 18000 {
		t.Fatalf("agreed fare = %v, want 18000", d.Ride.AgreedFareIqd)
	}
	if d.Ride.CurrentBidID != nil {
		t.Fatalf("current_bid_id should be cleared after assignment")
	}

	bids, _ := store.BidsForRide(context.Background(), ride.ID)
	accepted := 0
	for _, b := range bids {
		switch b.Status {
		case models.BidAccepted:
			accepted++
		case models.BidRejected:
		default:
			t.Fatalf("bid %s left in status %s", b.ID, b.Status)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted bids = %d, want 1", accepted)
	}

	// A late bid on the assigned ride is turned away with the real status.
	_, err = svc.SubmitBid(context.Background(), captain("cap-2"), ride.ID, SubmitBidRequest{FareIqd: 15000})
	ce, ok := err.(*ConflictError)
	if !ok || ce.Code != CodeNotAcceptingBids || ce.CurrentStatus != models.RideCaptainAssigned {
		t.Fatalf("late bid err = %v, want %s with status %s", err, CodeNotAcceptingBids, models.RideCaptainAssigned)
	}
}

func TestCounterOfferNegotiation(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1") // proposed 15000
	seedCaptain(t, store, "cap-1", testLat, testLng)
	b := submitTestBid(t, svc, ride.ID, "cap-1", 18000)

	d, err := svc.CounterOffer(context.Background(), rider("rider-1"), ride.ID, CounterOfferRequest{FareIqd: 16000})
	if err != nil {
		t.Fatal(err)
	}
	cur := d.Bids[0]
	if cur.FareIqd != 16000 || cur.LastOfferBy != models.OfferByCustomer || cur.CounterCount != 1 {
		t.Fatalf("after counter: fare=%d by=%s rounds=%d", cur.FareIqd, cur.LastOfferBy, cur.CounterCount)
	}

	// Captain answers by refreshing the bid; the round count survives.
	d2, err := svc.SubmitBid(context.Background(), captain("cap-1"), ride.ID, SubmitBidRequest{FareIqd: 17000})
	if err != nil {
		t.Fatal(err)
	}
	own := d2.Bids[0]
	if own.ID != b.ID {
		t.Fatalf("resubmission created a new bid")
	}
	if own.FareIqd != 17000 || own.LastOfferBy != models.OfferByCaptain || own.CounterCount != 1 {
		t.Fatalf("after refresh: fare=%d by=%s rounds=%d", own.FareIqd, own.LastOfferBy, own.CounterCount)
	}

	d3, err := svc.AcceptBid(context.Background(), rider("rider-1"), ride.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d3.Ride.AgreedFareIqd == nil || *d3.Ride.AgreedFareIqd != 17000 {
		t.Fatalf("agreed fare = %v, want 17000", d3.Ride.AgreedFareIqd)
	}
}

func TestCounterOfferCapForceRejects(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	seedCaptain(t, store, "cap-2", testLat, testLng)
	b1 := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	b2 := submitTestBid(t, svc, ride.ID, "cap-2", 17000)

	ctx := context.Background()
	for round := 1; round <= models.CounterOfferCap; round++ {
		d, err := svc.CounterOffer(ctx, rider("rider-1"), ride.ID, CounterOfferRequest{FareIqd: 16000})
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if d.Ride.CurrentBidID == nil || *d.Ride.CurrentBidID != b1.ID {
			t.Fatalf("round %d: current bid changed early", round)
		}
	}

	// The round past the cap closes the negotiation and promotes the queue.
	d, err := svc.CounterOffer(ctx, rider("rider-1"), ride.ID, CounterOfferRequest{FareIqd: 16000})
	if err != nil {
		t.Fatal(err)
	}
	if d.Ride.CurrentBidID == nil || *d.Ride.CurrentBidID != b2.ID {
		t.Fatalf("current = %v, want promoted %s", d.Ride.CurrentBidID, b2.ID)
	}
	for _, b := range d.Bids {
		if b.ID == b1.ID && b.Status != models.BidRejected {
			t.Fatalf("capped bid status = %s, want %s", b.Status, models.BidRejected)
		}
	}
}

func TestRejectWithoutBidsConflicts(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")

	_, err := svc.RejectCurrentBid(context.Background(), rider("rider-1"), ride.ID)
	if got := conflictCode(t, err); got != CodeNoActiveBid {
		t.Fatalf("code = %s, want %s", got, CodeNoActiveBid)
	}
}

func TestEnsureCurrentBidRepairsPointer(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	bid := submitTestBid(t, svc, ride.ID, "cap-1", 18000)

	// Simulate a stale pointer left behind by a crashed writer.
	ctx := context.Background()
	if err := store.InRideTx(ctx, ride.ID, func(tx storage.RideTx) error {
		r := tx.Ride()
		r.CurrentBidID = nil
		return tx.UpdateRide(r)
	}); err != nil {
		t.Fatal(err)
	}

	d, err := svc.EnsureCurrentBid(ctx, ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Ride.CurrentBidID == nil || *d.Ride.CurrentBidID != bid.ID {
		t.Fatalf("current = %v, want repaired to %s", d.Ride.CurrentBidID, bid.ID)
	}
}
