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

// SubmitBidRequest is a captain's offer on a ride.
type SubmitBidRequest struct {
	FareIqd    int64  `json:"fare_iqd"`
	EtaMinutes int    `json:"eta_minutes"`
	Note       string `json:"note"`
}

// SubmitBid places (or refreshes) the captain's bid on a searching ride.
// Proximity is re-checked here against the ride's current search radius so a
// captain cannot act on stale visibility. A second submission from the same
// captain updates the existing bid in place.
func (s *Service) SubmitBid(ctx context.Context, caller Caller, rideID string, req SubmitBidRequest) (*Detail, error) {
	if caller.Role != RoleCaptain {
		return nil, ErrForbidden
	}
	if !validation.ValidateFare(req.FareIqd) {
		return nil, invalid("fare_iqd must be positive and at most %d", validation.MaxFareIqd)
	}
	if req.EtaMinutes < 0 {
		return nil, invalid("eta_minutes must not be negative")
	}
	if !validation.ValidateNote(req.Note) {
		return nil, invalid("note too long")
	}

	presence, err := s.store.GetPresence(ctx, caller.UserID)
	offline := false
	switch {
	case errors.Is(err, storage.ErrNotFound):
		offline = true
	case err != nil:
		return nil, err
	default:
		offline = !presence.Online || presence.LastSeenAt.Before(time.Now().Add(-s.cfg.PresenceStaleAfter))
	}

	var expiredInPlace bool
	err = s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.RiderID == caller.UserID {
			return ErrForbidden // no bidding on your own ride
		}
		now := time.Now()
		if ride.Status == models.RideSearching && !ride.ExpiresAt.After(now) {
			// Hard timeout backstop: expire in place and commit; the
			// conflict is reported after the transaction so the expiry
			// itself is never rolled back.
			if err := expireRideLocked(tx, ride, now); err != nil {
				return err
			}
			expiredInPlace = true
			return nil
		}
		if ride.Status != models.RideSearching {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeNotAcceptingBids, ride.Status)
		}
		// Checked after the ride load so an unknown ride stays not-found
		// and the conflict carries the ride's real status.
		if offline {
			return conflict(CodeCaptainOffline, ride.Status)
		}
		if !geo.WithinM(presence.Lat, presence.Lng, ride.PickupLat, ride.PickupLng, float64(ride.SearchRadiusM)) {
			return conflict(CodeRideOutOfRange, ride.Status)
		}

		bids, err := tx.Bids()
		if err != nil {
			return err
		}
		var own *models.Bid
		for _, b := range bids {
			if b.CaptainID == caller.UserID {
				own = b
				break
			}
		}

		if own != nil {
			if own.Status == models.BidAccepted {
				return conflict(CodeBidNotActive, ride.Status)
			}
			// Refresh/reactivate in place; counter-round count is preserved.
			own.FareIqd = req.FareIqd
			own.EtaMinutes = req.EtaMinutes
			own.Note = req.Note
			own.Status = models.BidActive
			own.LastOfferIqd = req.FareIqd
			own.LastOfferBy = models.OfferByCaptain
			own.UpdatedAt = now
			if err := tx.UpdateBid(own); err != nil {
				return err
			}
		} else {
			own = &models.Bid{
				ID:           uuid.NewString(),
				RideID:       ride.ID,
				CaptainID:    caller.UserID,
				FareIqd:      req.FareIqd,
				EtaMinutes:   req.EtaMinutes,
				Note:         req.Note,
				Status:       models.BidActive,
				LastOfferIqd: req.FareIqd,
				LastOfferBy:  models.OfferByCaptain,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.InsertBid(own); err != nil {
				return err
			}
		}

		if _, err := ensureCurrentBid(tx, ride); err != nil {
			return err
		}
		return tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorCaptain,
			ActorID:   ptr(caller.UserID),
			EventType: events.BidSubmitted,
			Message:   "captain submitted a bid",
			Payload:   map[string]any{"bid_id": own.ID, "fare_iqd": own.FareIqd, "eta_minutes": own.EtaMinutes},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if expiredInPlace {
		observability.NegotiationConflicts.Inc()
		observability.RidesExpired.Inc()
		if detail, err := s.hydrate(ctx, rideID, "", false); err == nil {
			s.fanout.Publish(events.Update{
				Ride:      detail.Ride,
				EventType: events.RideExpired,
				Title:     "Ride expired",
				Body:      "No captain accepted the ride in time.",
			})
		}
		return nil, conflict(CodeNotAcceptingBids, models.RideExpired)
	}

	observability.BidsSubmitted.Inc()
	detail, err := s.hydrate(ctx, rideID, caller.UserID, false)
	if err != nil {
		return nil, err
	}
	s.fanout.Publish(events.Update{
		Ride:      detail.Ride,
		EventType: events.BidSubmitted,
		Title:     "New offer",
		Body:      "A captain has made an offer on your ride.",
	})
	log.Printf("[bids] captain %s bid on ride %s", caller.UserID, rideID)
	return detail, nil
}

// AcceptBid lets the owning rider accept the current bid. Assigning the
// captain, locking the fare and rejecting every other bid happen in one
// transaction so at most one bid is ever accepted.
func (s *Service) AcceptBid(ctx context.Context, caller Caller, rideID, bidID string) (*Detail, error) {
	var rejectedCaptains []string
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.RiderID != caller.UserID {
			return ErrForbidden
		}
		if ride.Status != models.RideSearching {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeNotAcceptingBids, ride.Status)
		}
		current, err := ensureCurrentBid(tx, ride)
		if err != nil {
			return err
		}

		bid, err := tx.GetBid(bidID)
		if err != nil {
			return err
		}
		if bid.Status != models.BidActive {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeBidNotActive, ride.Status)
		}
		if current == nil || current.ID != bid.ID {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeBidNotCurrent, ride.Status)
		}

		now := time.Now()
		bid.Status = models.BidAccepted
		bid.UpdatedAt = now
		if err := tx.UpdateBid(bid); err != nil {
			return err
		}

		bids, err := tx.Bids()
		if err != nil {
			return err
		}
		for _, other := range bids {
			if other.ID == bid.ID || other.Status != models.BidActive {
				continue
			}
			other.Status = models.BidRejected
			other.UpdatedAt = now
			if err := tx.UpdateBid(other); err != nil {
				return err
			}
			rejectedCaptains = append(rejectedCaptains, other.CaptainID)
		}

		ride.Status = models.RideCaptainAssigned
		ride.CaptainID = ptr(bid.CaptainID)
		ride.AgreedFareIqd = ptr(bid.FareIqd)
		ride.CurrentBidID = nil
		ride.AcceptedAt = &now
		ride.NextEscalationAt = nil
		if err := tx.UpdateRide(ride); err != nil {
			return err
		}

		if err := tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorRider,
			ActorID:   ptr(caller.UserID),
			EventType: events.BidAccepted,
			Message:   "rider accepted the bid",
			Payload:   map[string]any{"bid_id": bid.ID, "agreed_fare_iqd": bid.FareIqd},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorSystem,
			EventType: events.CaptainAssigned,
			Message:   "captain assigned",
			Payload:   map[string]any{"captain_id": bid.CaptainID},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	observability.RidesMatched.Inc()
	detail, err := s.hydrate(ctx, rideID, "", false)
	if err != nil {
		return nil, err
	}
	s.fanout.Publish(events.Update{
		Ride:       detail.Ride,
		EventType:  events.CaptainAssigned,
		CaptainIDs: rejectedCaptains,
		Title:      "Captain assigned",
		Body:       "A captain has been assigned to the ride.",
	})
	log.Printf("[bids] ride %s assigned via bid %s", rideID, bidID)
	return detail, nil
}

// RejectCurrentBid rejects the bid under negotiation and promotes the next
// queued active bid, if any. With none left the ride stays searching and
// open to new submissions.
func (s *Service) RejectCurrentBid(ctx context.Context, caller Caller, rideID string) (*Detail, error) {
	var rejectedCaptain string
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.RiderID != caller.UserID {
			return ErrForbidden
		}
		if ride.Status != models.RideSearching {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeNotAcceptingBids, ride.Status)
		}
		current, err := ensureCurrentBid(tx, ride)
		if err != nil {
			return err
		}
		if current == nil {
			return conflict(CodeNoActiveBid, ride.Status)
		}

		now := time.Now()
		current.Status = models.BidRejected
		current.UpdatedAt = now
		if err := tx.UpdateBid(current); err != nil {
			return err
		}
		rejectedCaptain = current.CaptainID

		ride.CurrentBidID = nil
		if _, err := ensureCurrentBid(tx, ride); err != nil {
			return err
		}
		return tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorRider,
			ActorID:   ptr(caller.UserID),
			EventType: events.BidRejected,
			Message:   "rider rejected the bid",
			Payload:   map[string]any{"bid_id": current.ID},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	observability.BidsRejected.Inc()
	detail, err := s.hydrate(ctx, rideID, "", false)
	if err != nil {
		return nil, err
	}
	s.fanout.Publish(events.Update{
		Ride:       detail.Ride,
		EventType:  events.BidRejected,
		CaptainIDs: []string{rejectedCaptain},
		Title:      "Offer declined",
		Body:       "The rider declined the offer.",
	})
	return detail, nil
}

// CounterOfferRequest is the rider's counter against the current bid.
type CounterOfferRequest struct {
	FareIqd int64 `json:"fare_iqd"`
}

// CounterOffer mutates the current bid's fare and attributes the last offer
// to the customer. Once the round counter exceeds the cap the bid is
// force-rejected and the next queued bid promoted, so one stubborn
// negotiation cannot starve the other captains.
func (s *Service) CounterOffer(ctx context.Context, caller Caller, rideID string, req CounterOfferRequest) (*Detail, error) {
	if !validation.ValidateFare(req.FareIqd) {
		return nil, invalid("fare_iqd must be positive and at most %d", validation.MaxFareIqd)
	}

	var (
		forceRejected   bool
		affectedCaptain string
	)
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.RiderID != caller.UserID {
			return ErrForbidden
		}
		if ride.Status != models.RideSearching {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeNotAcceptingBids, ride.Status)
		}
		current, err := ensureCurrentBid(tx, ride)
		if err != nil {
			return err
		}
		if current == nil {
			return conflict(CodeNoActiveBid, ride.Status)
		}
		affectedCaptain = current.CaptainID

		now := time.Now()
		current.CounterCount++
		if current.CounterCount > s.cfg.CounterOfferCap {
			forceRejected = true
			current.Status = models.BidRejected
			current.UpdatedAt = now
			if err := tx.UpdateBid(current); err != nil {
				return err
			}
			ride.CurrentBidID = nil
			if _, err := ensureCurrentBid(tx, ride); err != nil {
				return err
			}
			return tx.AppendEvent(&models.RideEvent{
				RideID:    ride.ID,
				ActorType: models.ActorSystem,
				EventType: events.BidRejected,
				Message:   "bid force-rejected after reaching the counter-offer cap",
				Payload:   map[string]any{"bid_id": current.ID, "counter_count": current.CounterCount},
				CreatedAt: now,
			})
		}

		current.FareIqd = req.FareIqd
		current.LastOfferIqd = req.FareIqd
		current.LastOfferBy = models.OfferByCustomer
		current.UpdatedAt = now
		if err := tx.UpdateBid(current); err != nil {
			return err
		}
		return tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorRider,
			ActorID:   ptr(caller.UserID),
			EventType: events.BidCountered,
			Message:   "rider countered the offer",
			Payload:   map[string]any{"bid_id": current.ID, "fare_iqd": req.FareIqd, "round": current.CounterCount},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	eventType := events.BidCountered
	title, body := "Counter-offer", "The rider proposed a different fare."
	if forceRejected {
		observability.BidsRejected.Inc()
		eventType = events.BidRejected
		title, body = "Offer closed", "Negotiation ended after too many rounds."
	}

	detail, err := s.hydrate(ctx, rideID, "", false)
	if err != nil {
		return nil, err
	}
	s.fanout.Publish(events.Update{
		Ride:       detail.Ride,
		EventType:  eventType,
		CaptainIDs: []string{affectedCaptain},
		Title:      title,
		Body:       body,
	})
	return detail, nil
}

// WithdrawBid lets a captain pull an active bid. If it was the current bid
// the next queued bid is promoted.
func (s *Service) WithdrawBid(ctx context.Context, caller Caller, rideID string) (*Detail, error) {
	if caller.Role != RoleCaptain {
		return nil, ErrForbidden
	}
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		bids, err := tx.Bids()
		if err != nil {
			return err
		}
		var own *models.Bid
		for _, b := range bids {
			if b.CaptainID == caller.UserID {
				own = b
				break
			}
		}
		if own == nil {
			return ErrNotFound
		}
		if own.Status != models.BidActive {
			observability.NegotiationConflicts.Inc()
			return conflict(CodeBidNotActive, ride.Status)
		}

		now := time.Now()
		own.Status = models.BidWithdrawn
		own.UpdatedAt = now
		if err := tx.UpdateBid(own); err != nil {
			return err
		}
		if ride.CurrentBidID != nil && *ride.CurrentBidID == own.ID {
			ride.CurrentBidID = nil
		}
		if _, err := ensureCurrentBid(tx, ride); err != nil {
			return err
		}
		return tx.AppendEvent(&models.RideEvent{
			RideID:    ride.ID,
			ActorType: models.ActorCaptain,
			ActorID:   ptr(caller.UserID),
			EventType: events.BidWithdrawn,
			Message:   "captain withdrew the bid",
			Payload:   map[string]any{"bid_id": own.ID},
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
		EventType: events.BidWithdrawn,
		Title:     "Offer withdrawn",
		Body:      "A captain withdrew their offer.",
	})
	return detail, nil
}

// EnsureCurrentBid repairs the current-bid pointer on demand: if the pointer
// is missing or references a non-active bid, the oldest remaining active bid
// is promoted. Exposed as a named operation because several call sites rely
// on its idempotency.
func (s *Service) EnsureCurrentBid(ctx context.Context, rideID string) (*Detail, error) {
	err := s.store.InRideTx(ctx, rideID, func(tx storage.RideTx) error {
		ride := tx.Ride()
		if ride.Status != models.RideSearching {
			return nil
		}
		_, err := ensureCurrentBid(tx, ride)
		return err
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return s.hydrate(ctx, rideID, "", false)
}

// ensureCurrentBid maintains the invariant that current_bid_id points at an
// active bid of this ride, promoting the oldest active bid (creation order,
// id as tiebreak) when the pointer is empty or stale. It persists the ride
// when the pointer changes and returns the current bid, if any.
func ensureCurrentBid(tx storage.RideTx, ride *models.Ride) (*models.Bid, error) {
	bids, err := tx.Bids()
	if err != nil {
		return nil, err
	}

	if ride.CurrentBidID != nil {
		for _, b := range bids {
			if b.ID == *ride.CurrentBidID && b.Status == models.BidActive {
				return b, nil
			}
		}
	}

	var next *models.Bid
	for _, b := range bids {
		if b.Status == models.BidActive {
			next = b // bids are ordered oldest first
			break
		}
	}

	var nextID *string
	if next != nil {
		nextID = ptr(next.ID)
	}
	if !samePointer(ride.CurrentBidID, nextID) {
		ride.CurrentBidID = nextID
		if err := tx.UpdateRide(ride); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func samePointer(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
