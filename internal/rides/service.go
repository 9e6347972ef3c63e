package rides

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taxi-service/internal/events"
	"taxi-service/internal/models"
	"taxi-service/internal/storage"
)

// Sentinel errors surfaced to handlers. Entities that exist but are not
// visible to the caller are reported as not found so existence never leaks.
var (
	ErrNotFound  = errors.New("ride not found")
	ErrForbidden = errors.New("forbidden")
)

// Conflict codes reported alongside the ride's actual current status so
// callers can resynchronise instead of blindly retrying.
const (
	CodeInvalidTransition = "INVALID_STATUS_TRANSITION"
	CodeNotAcceptingBids  = "RIDE_NOT_ACCEPTING_BIDS"
	CodeBidNotActive      = "BID_NOT_ACTIVE"
	CodeBidNotCurrent     = "BID_NOT_CURRENT"
	CodeNoActiveBid       = "NO_ACTIVE_BID"
	CodeActiveRideExists  = "ACTIVE_RIDE_EXISTS"
	CodeCaptainOffline    = "CAPTAIN_OFFLINE"
	CodeRideOutOfRange    = "RIDE_OUT_OF_RANGE"
)

// ConflictError means the ride or bid is not in a state that accepts the
// requested operation.
type ConflictError struct {
	Code          string
	CurrentStatus models.RideStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict %s (current status %s)", e.Code, e.CurrentStatus)
}

func conflict(code string, status models.RideStatus) error {
	return &ConflictError{Code: code, CurrentStatus: status}
}

// ValidationError rejects malformed input before any transaction is opened.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Caller is the authenticated identity the external auth collaborator hands
// us. The engine trusts it for access-control decisions.
type Caller struct {
	UserID string
	Role   string
	Admin  bool
}

// Roles as issued by the identity collaborator.
const (
	RoleRider   = "rider"
	RoleCaptain = "captain"
)

// Config tunes the engine. Zero values are replaced by defaults.
type Config struct {
	CounterOfferCap    int
	Phase2RadiusM      int
	EscalationInterval time.Duration
	RideTTL            time.Duration
	PresenceStaleAfter time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CounterOfferCap:    models.CounterOfferCap,
		Phase2RadiusM:      models.Phase2SearchRadiusM,
		EscalationInterval: 5 * time.Minute,
		RideTTL:            30 * time.Minute,
		PresenceStaleAfter: 2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CounterOfferCap <= 0 {
		c.CounterOfferCap = d.CounterOfferCap
	}
	if c.Phase2RadiusM <= 0 {
		c.Phase2RadiusM = d.Phase2RadiusM
	}
	if c.EscalationInterval <= 0 {
		c.EscalationInterval = d.EscalationInterval
	}
	if c.RideTTL <= 0 {
		c.RideTTL = d.RideTTL
	}
	if c.PresenceStaleAfter <= 0 {
		c.PresenceStaleAfter = d.PresenceStaleAfter
	}
	return c
}

// Service is the ride lifecycle and bid negotiation engine. Every mutation
// runs inside storage.InRideTx so concurrent callers serialise on the ride
// row, and fan-out happens only after the transaction commits.
type Service struct {
	store  storage.Store
	fanout *events.Fanout
	cfg    Config
}

// NewService wires the engine to its store and fan-out sink.
func NewService(store storage.Store, fanout *events.Fanout, cfg Config) *Service {
	return &Service{store: store, fanout: fanout, cfg: cfg.withDefaults()}
}

// Detail is the hydrated ride view returned by every operation: the ride
// plus the bids the caller is allowed to see.
type Detail struct {
	Ride   *models.Ride        `json:"ride"`
	Bids   []*models.Bid       `json:"bids,omitempty"`
	Events []*models.RideEvent `json:"events,omitempty"`
}

// hydrate re-reads the ride and its bid queue after a committed write.
// forCaptain restricts the bid list to that captain's own bid.
func (s *Service) hydrate(ctx context.Context, rideID, forCaptain string, withEvents bool) (*Detail, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	bids, err := s.store.BidsForRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if forCaptain != "" {
		own := bids[:0]
		for _, b := range bids {
			if b.CaptainID == forCaptain {
				own = append(own, b)
			}
		}
		bids = own
	}
	d := &Detail{Ride: ride, Bids: bids}
	if withEvents {
		if evs, err := s.store.RideEvents(ctx, rideID, 100); err == nil {
			d.Events = evs
		}
	}
	return d, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func ptr[T any](v T) *T { return &v }
