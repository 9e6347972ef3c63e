package storage

import (
	"context"
	"errors"
	"time"

	"taxi-service/internal/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrTxRollback can be returned from an InRideTx callback to abort the
// transaction without surfacing an error to the caller.
var ErrTxRollback = errors.New("rollback")

// Store defines persistence for rides, bids, presence, events and
// notifications. Two implementations exist: Postgres (system of record)
// and an in-memory store used for tests and as a fallback when no
// DATABASE_URL is configured.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetRideByShareToken(ctx context.Context, token string) (*models.Ride, error)
	// CurrentRideForRider returns the rider's most recent non-terminal ride.
	CurrentRideForRider(ctx context.Context, riderID string) (*models.Ride, error)
	// CurrentRideForCaptain returns the captain's most recent assigned,
	// non-terminal ride.
	CurrentRideForCaptain(ctx context.Context, captainID string) (*models.Ride, error)
	// SearchingRides returns every ride still open for bidding.
	SearchingRides(ctx context.Context) ([]*models.Ride, error)
	// DueRideIDs returns ids of searching rides whose escalation deadline or
	// absolute expiry has elapsed.
	DueRideIDs(ctx context.Context, now time.Time) ([]string, error)

	BidsForRide(ctx context.Context, rideID string) ([]*models.Bid, error)
	BidForCaptain(ctx context.Context, rideID, captainID string) (*models.Bid, error)

	// InRideTx runs fn holding a write lock on the ride row for the whole
	// read-validate-write span. All negotiation and lifecycle mutations go
	// through here; fn's writes commit atomically or not at all.
	InRideTx(ctx context.Context, rideID string, fn func(RideTx) error) error

	UpsertPresence(ctx context.Context, p *models.CaptainPresence) error
	GetPresence(ctx context.Context, captainID string) (*models.CaptainPresence, error)
	// OnlinePresences returns presences currently flagged online with a
	// heartbeat no older than staleAfter.
	OnlinePresences(ctx context.Context, staleAfter time.Duration) ([]*models.CaptainPresence, error)
	AppendLocationPing(ctx context.Context, p *models.LocationPing) error

	AppendRideEvent(ctx context.Context, e *models.RideEvent) error
	RideEvents(ctx context.Context, rideID string, limit int) ([]*models.RideEvent, error)
	EnqueueNotification(ctx context.Context, n *models.Notification) error
}

// RideTx is the unit of work handed to InRideTx callbacks. The ride row is
// locked first; bid rows are locked when first read. Lock order is fixed
// (ride, then bids) so concurrent negotiation calls cannot deadlock.
type RideTx interface {
	// Ride returns the locked ride snapshot. Mutations take effect only via
	// UpdateRide.
	Ride() *models.Ride
	UpdateRide(r *models.Ride) error
	// Bids returns the ride's bids locked for update, ordered by creation
	// time ascending with id as tiebreak.
	Bids() ([]*models.Bid, error)
	GetBid(id string) (*models.Bid, error)
	InsertBid(b *models.Bid) error
	UpdateBid(b *models.Bid) error
	// AppendEvent records an audit row inside the same transaction.
	AppendEvent(e *models.RideEvent) error
}
