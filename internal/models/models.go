package models

import "time"

// RideStatus enumerates the ride lifecycle states.
type RideStatus string

const (
	RideSearching       RideStatus = "searching"
	RideCaptainAssigned RideStatus = "captain_assigned"
	RideCaptainArriving RideStatus = "captain_arriving"
	RideStarted         RideStatus = "ride_started"
	RideCompleted       RideStatus = "completed"
	RideCancelled       RideStatus = "cancelled"
	RideExpired         RideStatus = "expired"
)

// RideTransitions is the allowed-successor table for the ride state machine.
// Illegal transitions are rejected with the caller's actual current status.
var RideTransitions = map[RideStatus][]RideStatus{
	RideSearching:       {RideCaptainAssigned, RideCancelled, RideExpired},
	RideCaptainAssigned: {RideCaptainArriving, RideCancelled},
	RideCaptainArriving: {RideStarted, RideCancelled},
	RideStarted:         {RideCompleted, RideCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to RideStatus) bool {
	for _, next := range RideTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a final outcome.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled || s == RideExpired
}

// BidStatus enumerates bid states. Terminal bids are never reactivated.
type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidWithdrawn BidStatus = "withdrawn"
	BidExpired   BidStatus = "expired"
)

// Actor labels for events and last-offer attribution.
const (
	ActorRider   = "rider"
	ActorCaptain = "captain"
	ActorSystem  = "system"

	OfferByCaptain  = "captain"
	OfferByCustomer = "customer"
)

// Search phases for radius escalation.
const (
	PhaseInitial   = 1
	PhaseExpanded  = 2
	PhaseExhausted = 3
)

// CounterOfferCap is the maximum number of counter-offer rounds on one bid
// before it is force-rejected so other captains are not starved.
const CounterOfferCap = 6

// Default search parameters. Radius values are metres.
const (
	DefaultSearchRadiusM = 2000
	Phase2SearchRadiusM  = 5000
	MaxSearchRadiusM     = 20000
)

// Ride is the aggregate root: one row per ride request.
type Ride struct {
	ID                  string     `json:"id"`
	RiderID             string     `json:"rider_id"`
	CaptainID           *string    `json:"captain_id,omitempty"`
	PickupLat           float64    `json:"pickup_lat"`
	PickupLng           float64    `json:"pickup_lng"`
	PickupLabel         string     `json:"pickup_label"`
	DropoffLat          float64    `json:"dropoff_lat"`
	DropoffLng          float64    `json:"dropoff_lng"`
	DropoffLabel        string     `json:"dropoff_label"`
	ProposedFareIqd     int64      `json:"proposed_fare_iqd"`
	AgreedFareIqd       *int64     `json:"agreed_fare_iqd,omitempty"`
	SearchRadiusM       int        `json:"search_radius_m"`
	SearchPhase         int        `json:"search_phase"`
	CurrentBidID        *string    `json:"current_bid_id,omitempty"`
	Status              RideStatus `json:"status"`
	ShareToken          *string    `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
	ArrivingAt          *time.Time `json:"arriving_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt           time.Time  `json:"expires_at"`
	NextEscalationAt    *time.Time `json:"next_escalation_at,omitempty"`
	NoCaptainNotifiedAt *time.Time `json:"no_captain_notified_at,omitempty"`
}

// Clone returns a deep copy of the ride.
func (r *Ride) Clone() *Ride {
	c := *r
	c.CaptainID = cloneStr(r.CaptainID)
	c.AgreedFareIqd = cloneInt64(r.AgreedFareIqd)
	c.CurrentBidID = cloneStr(r.CurrentBidID)
	c.ShareToken = cloneStr(r.ShareToken)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.ArrivingAt = cloneTime(r.ArrivingAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.NextEscalationAt = cloneTime(r.NextEscalationAt)
	c.NoCaptainNotifiedAt = cloneTime(r.NoCaptainNotifiedAt)
	return &c
}

// Bid is a captain's price/ETA offer on a ride. One per (ride, captain) pair.
type Bid struct {
	ID           string    `json:"id"`
	RideID       string    `json:"ride_id"`
	CaptainID    string    `json:"captain_id"`
	FareIqd      int64     `json:"fare_iqd"`
	EtaMinutes   int       `json:"eta_minutes"`
	Note         string    `json:"note,omitempty"`
	Status       BidStatus `json:"status"`
	CounterCount int       `json:"counter_count"`
	LastOfferIqd int64     `json:"last_offer_iqd"`
	LastOfferBy  string    `json:"last_offer_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy of the bid.
func (b *Bid) Clone() *Bid {
	c := *b
	return &c
}

// CaptainPresence is a captain's latest location heartbeat. Overwritten in
// place on every ping; history lives in location_pings.
type CaptainPresence struct {
	CaptainID  string    `json:"captain_id"`
	Online     bool      `json:"online"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedKmh   float64   `json:"speed_kmh"`
	AccuracyM  float64   `json:"accuracy_m"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// LocationPing is one row in the append-only location trail.
type LocationPing struct {
	ID         int64     `json:"id"`
	CaptainID  string    `json:"captain_id"`
	RideID     *string   `json:"ride_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RideEvent is one row in the append-only ride audit trail.
type RideEvent struct {
	ID        int64          `json:"id"`
	RideID    string         `json:"ride_id"`
	ActorType string         `json:"actor_type"`
	ActorID   *string        `json:"actor_id,omitempty"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification is a persisted offline-delivery record. Writing one is
// best-effort; the external delivery collaborator consumes these rows.
type Notification struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
}

func cloneStr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
