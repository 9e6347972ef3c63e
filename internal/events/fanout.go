package events

import (
	"context"
	"log"
	"strings"
	"time"

	"taxi-service/internal/models"
	"taxi-service/internal/storage"
)

// Pusher delivers a payload to a user's (or channel's) live connections.
// Best-effort: no delivery guarantee, no backpressure.
type Pusher interface {
	PushToUser(userID, event string, payload any)
}

// Bus publishes domain events to the external stream.
type Bus interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// Fanout mirrors committed state changes to live connections, notification
// rows and the Kafka stream. Every side effect here is best-effort and runs
// after the owning transaction commits; failures are logged, never surfaced.
type Fanout struct {
	store storage.Store
	push  Pusher
	bus   Bus
}

// NewFanout builds a fan-out sink. Any collaborator may be nil (dropped).
func NewFanout(store storage.Store, push Pusher, bus Bus) *Fanout {
	return &Fanout{store: store, push: push, bus: bus}
}

// Update describes one committed state change to mirror out.
type Update struct {
	Ride      *models.Ride
	EventType string
	// CaptainIDs lists captains affected beyond the assigned one
	// (e.g. holders of rejected bids).
	CaptainIDs []string
	Title      string
	Body       string
	Extra      map[string]any
}

// Publish dispatches the update asynchronously. Safe on a nil receiver so
// tests can run the engine without a fan-out sink.
func (f *Fanout) Publish(u Update) {
	if f == nil || u.Ride == nil {
		return
	}
	go f.dispatch(u)
}

func (f *Fanout) dispatch(u Update) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := Snapshot(u.Ride)
	payload := map[string]any{"event": u.EventType, "ride": snap}
	for k, v := range u.Extra {
		payload[k] = v
	}

	recipients := []string{u.Ride.RiderID}
	if u.Ride.CaptainID != nil {
		recipients = append(recipients, *u.Ride.CaptainID)
	}
	for _, id := range u.CaptainIDs {
		recipients = appendUnique(recipients, id)
	}

	for _, userID := range recipients {
		if f.push != nil {
			f.push.PushToUser(userID, u.EventType, payload)
		}
		if f.store != nil && u.Title != "" {
			n := &models.Notification{
				UserID:  userID,
				Type:    u.EventType,
				Title:   u.Title,
				Body:    u.Body,
				Payload: payload,
			}
			if err := f.store.EnqueueNotification(ctx, n); err != nil {
				log.Printf("[fanout] enqueue notification for %s: %v", userID, err)
			}
		}
	}

	// Share-token subscribers follow the ride without auth.
	if f.push != nil && u.Ride.ShareToken != nil {
		f.push.PushToUser("track:"+*u.Ride.ShareToken, u.EventType, payload)
	}

	if f.bus != nil {
		ev := StreamEvent{
			EventType: u.EventType,
			Ride:      snap,
			Extra:     u.Extra,
			At:        time.Now().UTC().Format(time.RFC3339),
		}
		topic := TopicRideEvents
		if strings.HasPrefix(u.EventType, "bid_") {
			topic = TopicBidEvents
		}
		if err := f.bus.Publish(ctx, topic, u.Ride.ID, ev); err != nil {
			log.Printf("[fanout] kafka publish %s: %v", u.EventType, err)
		}
	}
}

// PushRaw sends a payload to one channel without notification or Kafka
// side effects (used for high-frequency location pushes).
func (f *Fanout) PushRaw(channel, event string, payload any) {
	if f == nil || f.push == nil {
		return
	}
	f.push.PushToUser(channel, event, payload)
}

// Snapshot builds the compact wire view of a ride.
func Snapshot(r *models.Ride) RideSnapshot {
	s := RideSnapshot{
		RideID:          r.ID,
		Status:          string(r.Status),
		RiderID:         r.RiderID,
		ProposedFareIqd: r.ProposedFareIqd,
		AgreedFareIqd:   r.AgreedFareIqd,
		SearchRadiusM:   r.SearchRadiusM,
		SearchPhase:     r.SearchPhase,
		PickupLat:       r.PickupLat,
		PickupLng:       r.PickupLng,
		DropoffLat:      r.DropoffLat,
		DropoffLng:      r.DropoffLng,
	}
	if r.CaptainID != nil {
		s.CaptainID = *r.CaptainID
	}
	if r.CurrentBidID != nil {
		s.CurrentBidID = *r.CurrentBidID
	}
	return s
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
