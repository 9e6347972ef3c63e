package rides

import (
	"context"
	"log"
	"time"

	"taxi-service/internal/events"
	"taxi-service/internal/models"
	"taxi-service/internal/observability"
	"taxi-service/internal/storage"
)

// Sweep runs one escalation/expiry pass over every due searching ride. It is
// called both on a timer and opportunistically from read paths, so each step
// is guarded to be idempotent. Returns the number of rides acted upon.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.DueRideIDs(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	observability.SweepsTotal.Inc()
	acted := 0
	for _, id := range ids {
		if err := s.sweepRide(ctx, id); err != nil {
			log.Printf("[sweeper] ride %s: %v", id, err)
			continue
		}
		acted++
	}
	return acted, nil
}

// sweepRide applies whichever time-driven transition the ride is due for:
// hard expiry first (the backstop, regardless of phase), then phase-based
// radius escalation.
func (s *Service) sweepRide(ctx context.Context, rideID string) error {
	var (
		outcome      string
		notifyRider  bool
		title, body  string
		sweptCaptain []string
	)
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.Status != models.RideSearching {
			return storage.ErrTxRollback
		}
		now := time.Now()

		if !ride.ExpiresAt.After(now) {
			var err error
			sweptCaptain, err = expireRideAndCollect(tx, ride, now)
			if err != nil {
				return err
			}
			outcome = events.RideExpired
			notifyRider = true
			title, body = "Ride expired", "No captain accepted the ride in time."
			return nil
		}

		if ride.NextEscalationAt == nil || ride.NextEscalationAt.After(now) {
			return storage.ErrTxRollback
		}

		switch ride.SearchPhase {
		case models.PhaseInitial:
			if s.cfg.Phase2RadiusM > ride.SearchRadiusM {
				ride.SearchRadiusM = s.cfg.Phase2RadiusM
			}
			ride.SearchPhase = models.PhaseExpanded
			ride.NextEscalationAt = ptr(now.Add(s.cfg.EscalationInterval))
			if err := tx.UpdateRide(ride); err != nil {
				return err
			}
			outcome = events.SearchEscalated
			notifyRider = true
			title, body = "Widening the search", "We are now looking for captains further away."
			return tx.AppendEvent(&models.RideEvent{
				RideID:    ride.ID,
				ActorType: models.ActorSystem,
				EventType: events.SearchEscalated,
				Message:   "search radius widened",
				Payload:   map[string]any{"search_phase": ride.SearchPhase, "search_radius_m": ride.SearchRadiusM},
				CreatedAt: now,
			})
		case models.PhaseExpanded:
			ride.SearchPhase = models.PhaseExhausted
			ride.NextEscalationAt = nil
			firstTime := ride.NoCaptainNotifiedAt == nil
			if firstTime {
				ride.NoCaptainNotifiedAt = &now
			}
			if err := tx.UpdateRide(ride); err != nil {
				return err
			}
			if !firstTime {
				return nil
			}
			outcome = events.NoCaptainFound
			notifyRider = true
			title, body = "No captain found", "No captain is available right now. The request stays open until it expires."
			return tx.AppendEvent(&models.RideEvent{
				RideID:    ride.ID,
				ActorType: models.ActorSystem,
				EventType: events.NoCaptainFound,
				Message:   "no captain found after escalation",
				CreatedAt: now,
			})
		default:
			// Phase 3: nothing left to escalate; stop rescheduling.
			if ride.NextEscalationAt != nil {
				ride.NextEscalationAt = nil
				return tx.UpdateRide(ride)
			}
			return storage.ErrTxRollback
		}
	})
	if err != nil {
		return err
	}
	if outcome == "" {
		return nil
	}

	observability.SweepActions.Inc()
	if outcome == events.RideExpired {
		observability.RidesExpired.Inc()
	}
	if notifyRider {
		detail, err := s.hydrate(ctx, rideID, "", false)
		if err != nil {
			return err
		}
		s.fanout.Publish(events.Update{
			Ride:       detail.Ride,
			EventType:  outcome,
			CaptainIDs: sweptCaptain,
			Title:      title,
			Body:       body,
		})
	}
	log.Printf("[sweeper] ride %s: %s", rideID, outcome)
	return nil
}

// expireRideLocked moves a searching ride to expired inside the current
// transaction and expires its active bids.
func expireRideLocked(tx storage.RideTx, ride *models.Ride, now time.Time) error {
	_, err := expireRideAndCollect(tx, ride, now)
	return err
}

func expireRideAndCollect(tx storage.RideTx, ride *models.Ride, now time.Time) ([]string, error) {
	ride.Status = models.RideExpired
	ride.CurrentBidID = nil
	ride.NextEscalationAt = nil
	if err := tx.UpdateRide(ride); err != nil {
		return nil, err
	}
	captains, err := expireActiveBids(tx, now)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendEvent(&models.RideEvent{
		RideID:    ride.ID,
		ActorType: models.ActorSystem,
		EventType: events.RideExpired,
		Message:   "ride expired without acceptance",
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return captains, nil
}
