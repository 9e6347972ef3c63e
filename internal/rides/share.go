package rides

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taxi-service/internal/models"
	"taxi-service/internal/storage"
)

// PublicView is the unauthenticated tracking snapshot resolved from a share
// token. The token itself is the capability; no actor ids are exposed.
type PublicView struct {
	Status          models.RideStatus `json:"status"`
	PickupLabel     string            `json:"pickup_label"`
	DropoffLabel    string            `json:"dropoff_label"`
	PickupLat       float64           `json:"pickup_lat"`
	PickupLng       float64           `json:"pickup_lng"`
	DropoffLat      float64           `json:"dropoff_lat"`
	DropoffLng      float64           `json:"dropoff_lng"`
	CaptainAssigned bool              `json:"captain_assigned"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	History         []PublicEvent     `json:"history,omitempty"`
}

// PublicEvent is a sanitised audit entry for the public tracking view.
type PublicEvent struct {
	EventType string    `json:"event_type"`
	At        time.Time `json:"at"`
}

// CreateShareToken issues (or returns the existing) tracking token for a
// ride. Owner-only: the token grants read access to anyone holding it.
func (s *Service) CreateShareToken(ctx context.Context, caller Caller, rideID string) (string, error) {
	var token string
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.RiderID != caller.UserID && !caller.Admin {
			return ErrForbidden
		}
		if ride.ShareToken != nil {
			token = *ride.ShareToken
			return storage.ErrTxRollback
		}
		token = uuid.NewString()
		ride.ShareToken = &token
		return tx.UpdateRide(ride)
	})
	if err != nil {
		return "", mapStoreErr(err)
	}
	return token, nil
}

// ResolveShareToken returns the public snapshot for a token. Unknown tokens
// are not found; no authentication is required.
func (s *Service) ResolveShareToken(ctx context.Context, token string) (*PublicView, error) {
	ride, err := s.store.GetRideByShareToken(ctx, token)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	ride, err = s.refresh(ctx, ride)
	if err != nil {
		return nil, err
	}

	view := &PublicView{
		Status:          ride.Status,
		PickupLabel:     ride.PickupLabel,
		DropoffLabel:    ride.DropoffLabel,
		PickupLat:       ride.PickupLat,
		PickupLng:       ride.PickupLng,
		DropoffLat:      ride.DropoffLat,
		DropoffLng:      ride.DropoffLng,
		CaptainAssigned: ride.CaptainID != nil,
		CreatedAt:       ride.CreatedAt,
		StartedAt:       ride.StartedAt,
		CompletedAt:     ride.CompletedAt,
	}
	if evs, err := s.store.RideEvents(ctx, ride.ID, 50); err == nil {
		for _, e := range evs {
			view.History = append(view.History, PublicEvent{EventType: e.EventType, At: e.CreatedAt})
		}
	}
	return view, nil
}
