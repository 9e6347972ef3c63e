package rides

import (
	"context"
	"errors"
	"testing"
	"time"

	"taxi-service/internal/models"
)

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"bad coords", CreateRequest{PickupLat: 95, PickupLng: testLng, DropoffLat: testLat, DropoffLng: testLng, ProposedFareIqd: 15000}},
		{"zero fare", CreateRequest{PickupLat: testLat, PickupLng: testLng, DropoffLat: testLat, DropoffLng: testLng}},
		{"radius too wide", CreateRequest{PickupLat: testLat, PickupLng: testLng, DropoffLat: testLat, DropoffLng: testLng, ProposedFareIqd: 15000, SearchRadiusM: models.MaxSearchRadiusM + 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, rider("rider-1"), tc.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestCreateRejectsSecondActiveRide(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	createTestRide(t, svc, "rider-1")

	_, err := svc.Create(context.Background(), rider("rider-1"), CreateRequest{
		PickupLat: testLat, PickupLng: testLng,
		DropoffLat: testLat, DropoffLng: testLng,
		ProposedFareIqd: 10000,
	})
	if got := conflictCode(t, err); got != CodeActiveRideExists {
		t.Fatalf("code = %s, want %s", got, CodeActiveRideExists)
	}
}

func TestCreateSucceedsAfterPreviousRideOutlivesItsDeadline(t *testing.T) {
	svc, store := newTestService(t, Config{RideTTL: 20 * time.Millisecond, EscalationInterval: time.Hour})
	old := createTestRide(t, svc, "rider-1")
	time.Sleep(40 * time.Millisecond)

	// The overdue ride is expired on the spot, not reported as a conflict.
	d, err := svc.Create(context.Background(), rider("rider-1"), CreateRequest{
		PickupLat: testLat, PickupLng: testLng,
		DropoffLat: testLat, DropoffLng: testLng,
		ProposedFareIqd: 10000,
	})
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if d.Ride.ID == old.ID {
		t.Fatal("expected a fresh ride, got the expired one")
	}
	prev, err := store.GetRide(context.Background(), old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if prev.Status != models.RideExpired {
		t.Fatalf("previous ride status = %s, want %s", prev.Status, models.RideExpired)
	}
}

func TestCreateRequiresRiderRole(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	_, err := svc.Create(context.Background(), captain("cap-1"), CreateRequest{
		PickupLat: testLat, PickupLng: testLng,
		DropoffLat: testLat, DropoffLng: testLng,
		ProposedFareIqd: 10000,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCancelExpiresActiveBids(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	submitTestBid(t, svc, ride.ID, "cap-1", 18000)

	d, err := svc.Cancel(context.Background(), rider("rider-1"), ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Ride.Status != models.RideCancelled || d.Ride.CancelledAt == nil {
		t.Fatalf("status = %s, cancelled_at = %v", d.Ride.Status, d.Ride.CancelledAt)
	}
	bids, _ := store.BidsForRide(context.Background(), ride.ID)
	for _, b := range bids {
		if b.Status != models.BidExpired {
			t.Fatalf("bid %s status = %s, want %s", b.ID, b.Status, models.BidExpired)
		}
	}
}

func TestCancelByStrangerForbidden(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")

	_, err := svc.Cancel(context.Background(), rider("rider-2"), ride.ID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCaptainLifecycleHappyPath(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	bid := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	ctx := context.Background()
	if _, err := svc.AcceptBid(ctx, rider("rider-1"), ride.ID, bid.ID); err != nil {
		t.Fatal(err)
	}

	d, err := svc.MarkArriving(ctx, captain("cap-1"), ride.ID)
	if err != nil || d.Ride.Status != models.RideCaptainArriving || d.Ride.ArrivingAt == nil {
		t.Fatalf("arriving: err=%v status=%s", err, d.Ride.Status)
	}
	d, err = svc.Start(ctx, captain("cap-1"), ride.ID)
	if err != nil || d.Ride.Status != models.RideStarted || d.Ride.StartedAt == nil {
		t.Fatalf("start: err=%v status=%s", err, d.Ride.Status)
	}
	d, err = svc.Complete(ctx, captain("cap-1"), ride.ID)
	if err != nil || d.Ride.Status != models.RideCompleted || d.Ride.CompletedAt == nil {
		t.Fatalf("complete: err=%v status=%s", err, d.Ride.Status)
	}
}

func TestRepeatedTransitionReportsCurrentStatus(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	bid := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	ctx := context.Background()
	if _, err := svc.AcceptBid(ctx, rider("rider-1"), ride.ID, bid.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkArriving(ctx, captain("cap-1"), ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Start(ctx, captain("cap-1"), ride.ID); err != nil {
		t.Fatal(err)
	}

	// A retried start is rejected and told where the ride actually is.
	_, err := svc.Start(ctx, captain("cap-1"), ride.ID)
	ce, ok := err.(*ConflictError)
	if !ok || ce.Code != CodeInvalidTransition || ce.CurrentStatus != models.RideStarted {
		t.Fatalf("err = %v, want %s with status %s", err, CodeInvalidTransition, models.RideStarted)
	}
}

func TestTransitionByWrongCaptainForbidden(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	bid := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	ctx := context.Background()
	if _, err := svc.AcceptBid(ctx, rider("rider-1"), ride.ID, bid.ID); err != nil {
		t.Fatal(err)
	}

	_, err := svc.MarkArriving(ctx, captain("cap-2"), ride.ID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestByIDVisibility(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	seedCaptain(t, store, "cap-2", testLat, testLng)
	submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	submitTestBid(t, svc, ride.ID, "cap-2", 17000)
	ctx := context.Background()

	// Owner sees the full queue.
	d, err := svc.ByID(ctx, rider("rider-1"), ride.ID)
	if err != nil || len(d.Bids) != 2 {
		t.Fatalf("owner view: err=%v bids=%d", err, len(d.Bids))
	}

	// A bidding captain sees only their own bid.
	d, err = svc.ByID(ctx, captain("cap-2"), ride.ID)
	if err != nil || len(d.Bids) != 1 || d.Bids[0].CaptainID != "cap-2" {
		t.Fatalf("captain view: err=%v bids=%+v", err, d.Bids)
	}

	// Everyone else cannot tell the ride exists.
	if _, err := svc.ByID(ctx, rider("stranger"), ride.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stranger err = %v, want ErrNotFound", err)
	}

	// Admin override.
	if _, err := svc.ByID(ctx, Caller{UserID: "ops", Role: RoleRider, Admin: true}, ride.ID); err != nil {
		t.Fatalf("admin err = %v", err)
	}
}

func TestCurrentResolvesByRole(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	seedCaptain(t, store, "cap-1", testLat, testLng)
	bid := submitTestBid(t, svc, ride.ID, "cap-1", 18000)
	ctx := context.Background()
	if _, err := svc.AcceptBid(ctx, rider("rider-1"), ride.ID, bid.ID); err != nil {
		t.Fatal(err)
	}

	d, err := svc.Current(ctx, rider("rider-1"))
	if err != nil || d.Ride.ID != ride.ID {
		t.Fatalf("rider current: err=%v", err)
	}
	d, err = svc.Current(ctx, captain("cap-1"))
	if err != nil || d.Ride.ID != ride.ID {
		t.Fatalf("captain current: err=%v", err)
	}
	if _, err := svc.Current(ctx, rider("rider-2")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle rider err = %v, want ErrNotFound", err)
	}
}

func TestShareTokenIsStableAndSanitised(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ride := createTestRide(t, svc, "rider-1")
	ctx := context.Background()

	tok1, err := svc.CreateShareToken(ctx, rider("rider-1"), ride.ID)
	if err != nil || tok1 == "" {
		t.Fatalf("issue token: %v", err)
	}
	tok2, err := svc.CreateShareToken(ctx, rider("rider-1"), ride.ID)
	if err != nil || tok2 != tok1 {
		t.Fatalf("second issue = %q, want stable %q", tok2, tok1)
	}
	if _, err := svc.CreateShareToken(ctx, rider("rider-2"), ride.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger issue err = %v, want ErrForbidden", err)
	}

	view, err := svc.ResolveShareToken(ctx, tok1)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != models.RideSearching || view.CaptainAssigned {
		t.Fatalf("view = %+v", view)
	}
	if _, err := svc.ResolveShareToken(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bad token err = %v, want ErrNotFound", err)
	}
}
