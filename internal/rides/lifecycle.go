package rides

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"taxi-service/internal/events"
	"taxi-service/internal/geo"
	"taxi-service/internal/models"
	"taxi-service/internal/observability"
	"taxi-service/internal/storage"
	"taxi-service/pkg/validation"
)

// CreateRequest carries the rider's ride parameters.
type CreateRequest struct {
	PickupLat       float64 `json:"pickup_lat"`
	PickupLng       float64 `json:"pickup_lng"`
	PickupLabel     string  `json:"pickup_label"`
	DropoffLat      float64 `json:"dropoff_lat"`
	DropoffLng      float64 `json:"dropoff_lng"`
	DropoffLabel    string  `json:"dropoff_label"`
	ProposedFareIqd int64   `json:"proposed_fare_iqd"`
	SearchRadiusM   int     `json:"search_radius_m"`
}

// Create opens a new ride in `searching`. A rider can hold at most one
// non-terminal ride at a time.
func (s *Service) Create(ctx context.Context, caller Caller, req CreateRequest) (*Detail, error) {
	if caller.Role != RoleRider {
		return nil, ErrForbidden
	}
	if !geo.ValidCoordinates(req.PickupLat, req.PickupLng) || !geo.ValidCoordinates(req.DropoffLat, req.DropoffLng) {
		return nil, invalid("coordinates out of range")
	}
	if !validation.ValidateFare(req.ProposedFareIqd) {
		return nil, invalid("proposed_fare_iqd must be positive and at most %d", validation.MaxFareIqd)
	}
	if !validation.ValidateLabel(req.PickupLabel) || !validation.ValidateLabel(req.DropoffLabel) {
		return nil, invalid("labels too long")
	}
	radius := req.SearchRadiusM
	if radius <= 0 {
		radius = models.DefaultSearchRadiusM
	}
	if radius > models.MaxSearchRadiusM {
		return nil, invalid("search_radius_m exceeds %d", models.MaxSearchRadiusM)
	}

	active, err := s.store.CurrentRideForRider(ctx, caller.UserID)
	switch {
	case err == nil:
		// Apply any overdue expiry first so an unswept ride past its
		// deadline does not block a new request.
		if active, err = s.refresh(ctx, active); err != nil {
			return nil, err
		}
		if !active.Status.Terminal() {
			return nil, conflict(CodeActiveRideExists, active.Status)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	now := time.Now()
	ride := &models.Ride{
		ID:               uuid.NewString(),
		RiderID:          caller.UserID,
		PickupLat:        req.PickupLat,
		PickupLng:        req.PickupLng,
		PickupLabel:      req.PickupLabel,
		DropoffLat:       req.DropoffLat,
		DropoffLng:       req.DropoffLng,
		DropoffLabel:     req.DropoffLabel,
		ProposedFareIqd:  req.ProposedFareIqd,
		SearchRadiusM:    radius,
		SearchPhase:      models.PhaseInitial,
		Status:           models.RideSearching,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.RideTTL),
		NextEscalationAt: ptr(now.Add(s.cfg.EscalationInterval)),
	}
	if err := s.store.CreateRide(ctx, ride); err != nil {
		return nil, err
	}

	captainsInRange := 0
	if online, err := s.store.OnlinePresences(ctx, s.cfg.PresenceStaleAfter); err == nil {
		for _, p := range online {
			if geo.WithinM(p.Lat, p.Lng, ride.PickupLat, ride.PickupLng, float64(radius)) {
				captainsInRange++
			}
		}
	}

	if err := s.store.AppendRideEvent(ctx, &models.RideEvent{
		RideID:    ride.ID,
		ActorType: models.ActorRider,
		ActorID:   ptr(caller.UserID),
		EventType: events.RideCreated,
		Message:   "ride requested",
		Payload:   map[string]any{"captains_in_range": captainsInRange},
		CreatedAt: now,
	}); err != nil {
		log.Printf("[rides] append create event for %s: %v", ride.ID, err)
	}

	observability.RidesCreated.Inc()
	s.fanout.Publish(events.Update{
		Ride:      ride,
		EventType: events.RideCreated,
		Title:     "Looking for a captain",
		Body:      "Your ride request is now visible to nearby captains.",
	})
	log.Printf("[rides] created ride %s for rider %s (%d captains in range)", ride.ID, caller.UserID, captainsInRange)
	return &Detail{Ride: ride}, nil
}

// ByID returns the hydrated ride if the caller may see it. Riders see their
// own rides with the full bid queue; captains see rides they are assigned to
// or have bid on, restricted to their own bid. Everyone else gets not-found.
func (s *Service) ByID(ctx context.Context, caller Caller, rideID string) (*Detail, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	ride, err = s.refresh(ctx, ride)
	if err != nil {
		return nil, err
	}

	switch {
	case caller.Admin || ride.RiderID == caller.UserID:
		return s.hydrate(ctx, ride.ID, "", true)
	case ride.CaptainID != nil && *ride.CaptainID == caller.UserID:
		return s.hydrate(ctx, ride.ID, caller.UserID, false)
	default:
		// A captain with a bid on the ride may follow it.
		if _, err := s.store.BidForCaptain(ctx, rideID, caller.UserID); err == nil {
			return s.hydrate(ctx, ride.ID, caller.UserID, false)
		}
		return nil, ErrNotFound
	}
}

// Current resolves the caller's active ride by role, applying the
// opportunistic expiry/escalation check so a polling client sees an expired
// ride promptly even if no scheduled sweep has run.
func (s *Service) Current(ctx context.Context, caller Caller) (*Detail, error) {
	var (
		ride *models.Ride
		err  error
	)
	switch caller.Role {
	case RoleCaptain:
		ride, err = s.store.CurrentRideForCaptain(ctx, caller.UserID)
	default:
		ride, err = s.store.CurrentRideForRider(ctx, caller.UserID)
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if ride, err = s.refresh(ctx, ride); err != nil {
		return nil, err
	}
	forCaptain := ""
	if caller.Role == RoleCaptain {
		forCaptain = caller.UserID
	}
	return s.hydrate(ctx, ride.ID, forCaptain, false)
}

// refresh applies due expiry/escalation to a searching ride before it is
// returned to a reader.
func (s *Service) refresh(ctx context.Context, ride *models.Ride) (*models.Ride, error) {
	if ride.Status != models.RideSearching {
		return ride, nil
	}
	now := time.Now()
	due := !ride.ExpiresAt.After(now) ||
		(ride.NextEscalationAt != nil && !ride.NextEscalationAt.After(now))
	if !due {
		return ride, nil
	}
	if err := s.sweepRide(ctx, ride.ID); err != nil {
		return nil, err
	}
	fresh, err := s.store.GetRide(ctx, ride.ID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return fresh, nil
}

// Cancel lets the owning rider abort the ride any time before completion.
// Active bids are expired in the same transaction.
func (s *Service) Cancel(ctx context.Context, caller Caller, rideID string) (*Detail, error) {
	var expiredCaptains []string
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.RiderID != caller.UserID && !caller.Admin {
			return ErrForbidden
		}
		if !models.CanTransition(ride.Status, models.RideCancelled) {
			return conflict(CodeInvalidTransition, ride.Status)
		}
		now := time.Now()
		ride.Status = models.RideCancelled
		ride.CancelledAt = &now
		ride.CurrentBidID = nil
		ride.NextEscalationAt = nil
		if err := tx.UpdateRide(ride); err != nil {
			return err
		}
		var err error
		expiredCaptains, err = expireActiveBids(tx, now)
		if err != nil {
			return err
		}
		return tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorRider,
			ActorID:   ptr(caller.UserID),
			EventType: events.RideCancelled,
			Message:   "ride cancelled by rider",
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	detail, err := s.hydrate(ctx, rideID, "", false)
	if err != nil {
		return nil, err
	}
	s.fanout.Publish(events.Update{
		Ride:       detail.Ride,
		EventType:  events.RideCancelled,
		CaptainIDs: expiredCaptains,
		Title:      "Ride cancelled",
		Body:       "The ride request was cancelled.",
	})
	log.Printf("[rides] ride %s cancelled by %s", rideID, caller.UserID)
	return detail, nil
}

// MarkArriving moves an assigned ride to captain_arriving (captain only).
func (s *Service) MarkArriving(ctx context.Context, caller Caller, rideID string) (*Detail, error) {
	return s.captainTransition(ctx, caller, rideID, models.RideCaptainArriving, events.CaptainArriving,
		"Captain on the way", "Your captain is heading to the pickup point.",
		func(r *models.Ride, t time.Time) { r.ArrivingAt = &t })
}

// Start moves an arriving ride to ride_started (captain only).
func (s *Service) Start(ctx context.Context, caller Caller, rideID string) (*Detail, error) {
	return s.captainTransition(ctx, caller, rideID, models.RideStarted, events.RideStarted,
		"Ride started", "Your ride is under way.",
		func(r *models.Ride, t time.Time) { r.StartedAt = &t })
}

// Complete finishes a started ride (captain only).
func (s *Service) Complete(ctx context.Context, caller Caller, rideID string) (*Detail, error) {
	return s.captainTransition(ctx, caller, rideID, models.RideCompleted, events.RideCompleted,
		"Ride completed", "Thanks for riding with us.",
		func(r *models.Ride, t time.Time) { r.CompletedAt = &t })
}

// captainTransition is the shared guard for arrive/start/complete. The
// transition table decides legality; violations report the actual current
// status so retries can resynchronise without double-writing timestamps.
func (s *Service) captainTransition(ctx context.Context, caller Caller, rideID string,
	to models.RideStatus, eventType, title, body string,
	stamp func(*models.Ride, time.Time)) (*Detail, error) {

	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if caller.Role != RoleCaptain || ride.CaptainID == nil || *ride.CaptainID != caller.UserID {
			return ErrForbidden
		}
		if !models.CanTransition(ride.Status, to) {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeInvalidTransition, ride.Status)
		}
		now := time.Now()
		ride.Status = to
		stamp(ride, now)
		if err := tx.UpdateRide(ride); err != nil {
			return err
		}
		return tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorCaptain,
			ActorID:   ptr(caller.UserID),
			EventType: eventType,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	detail, err := s.hydrate(ctx, rideID, caller.UserID, false)
	if err != nil {
		return nil, err
	}
	s.fanout.Publish(events.Update{
		Ride:      detail.Ride,
		EventType: eventType,
		Title:     title,
		Body:      body,
	})
	return detail, nil
}

// PushLocation records an in-ride location ping from the assigned captain
// and streams it to the rider and any share-token followers. Pings are
// append-only; no ride mutation happens here.
func (s *Service) PushLocation(ctx context.Context, caller Caller, rideID string, lat, lng float64) error {
	if !geo.ValidCoordinates(lat, lng) {
		return invalid("coordinates out of range")
	}
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return mapStoreErr(err)
	}
	if caller.Role != RoleCaptain || ride.CaptainID == nil || *ride.CaptainID != caller.UserID {
		return ErrForbidden
	}
	switch ride.Status {
	case models.RideCaptainAssigned, models.RideCaptainArriving, models.RideStarted:
	default:
		return conflict(CodeInvalidTransition, ride.Status)
	}

	now := time.Now()
	if err := s.store.AppendLocationPing(ctx, &models.LocationPing{
		CaptainID:  caller.UserID,
		RideID:     ptr(rideID),
		Lat:        lat,
		Lng:        lng,
		RecordedAt: now,
	}); err != nil {
		return err
	}

	payload := map[string]any{"ride_id": rideID, "lat": lat, "lng": lng, "ts": now.Unix()}
	s.fanout.PushRaw(ride.RiderID, events.CaptainLocation, payload)
	if ride.ShareToken != nil {
		s.fanout.PushRaw("track:"+*ride.ShareToken, events.CaptainLocation, payload)
	}
	return nil
}

// expireActiveBids flips every still-active bid to expired inside the
// current transaction, returning the affected captain ids.
func expireActiveBids(tx storage.RideTx, now time.Time) ([]string, error) {
	bids, err := tx.Bids()
	if err != nil {
		return nil, err
	}
	var captains []string
	for _, b := range bids {
		if b.Status != models.BidActive {
			continue
		}
		b.Status = models.BidExpired
		b.UpdatedAt = now
		if err := tx.UpdateBid(b); err != nil {
			return nil, err
		}
		captains = append(captains, b.CaptainID)
	}
	return captains, nil
}
