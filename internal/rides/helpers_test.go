package rides

import (
	"context"
	"testing"
	"time"

	"taxi-service/internal/models"
	"taxi-service/internal/storage"
)

// Baghdad city centre; every test ride starts here.
const (
	testLat = 33.3152
	testLng = 44.3661
)

func newTestService(t *testing.T, cfg Config) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewService(store, nil, cfg), store
}

func rider(id string) Caller   { return Caller{UserID: id, Role: RoleRider} }
func captain(id string) Caller { return Caller{UserID: id, Role: RoleCaptain} }

func seedCaptain(t *testing.T, store *storage.MemoryStore, id string, lat, lng float64) {
	t.Helper()
	err := store.UpsertPresence(context.Background(), &models.CaptainPresence{
		CaptainID:  id,
		Online:     true,
		Lat:        lat,
		Lng:        lng,
		LastSeenAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed presence for %s: %v", id, err)
	}
}

func createTestRide(t *testing.T, svc *Service, riderID string) *models.Ride {
	t.Helper()
	d, err := svc.Create(context.Background(), rider(riderID), CreateRequest{
		PickupLat:       testLat,
		PickupLng:       testLng,
		PickupLabel:     "Karrada",
		DropoffLat:      testLat + 0.05,
		DropoffLng:      testLng + 0.05,
		DropoffLabel:    "Mansour",
		ProposedFareIqd: 15000,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return d.Ride
}

func submitTestBid(t *testing.T, svc *Service, rideID, captainID string, fare int64) *models.Bid {
	t.Helper()
	d, err := svc.SubmitBid(context.Background(), captain(captainID), rideID, SubmitBidRequest{
		FareIqd:    fare,
		EtaMinutes: 5,
	})
	if err != nil {
		t.Fatalf("submit bid from %s: %v", captainID, err)
	}
	for _, b := range d.Bids {
		if b.CaptainID == captainID {
			return b
		}
	}
	t.Fatalf("bid from %s missing in detail", captainID)
	return nil
}

func conflictCode(t *testing.T, err error) string {
	t.Helper()
	ce, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	return ce.Code
}
