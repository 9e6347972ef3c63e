package events

// Ride/bid event types. Used for the audit trail, live pushes, notification
// rows and the Kafka stream alike.
const (
	RideCreated     = "ride_created"
	RideCancelled   = "ride_cancelled"
	RideExpired     = "ride_expired"
	RideCompleted   = "ride_completed"
	CaptainAssigned = "captain_assigned"
	CaptainArriving = "captain_arriving"
	RideStarted     = "ride_started"

	BidSubmitted = "bid_submitted"
	BidAccepted  = "bid_accepted"
	BidRejected  = "bid_rejected"
	BidCountered = "bid_countered"
	BidWithdrawn = "bid_withdrawn"

	SearchEscalated = "search_escalated"
	NoCaptainFound  = "no_captain_found"
	CaptainLocation = "captain_location"
)

// Kafka topics carrying state changes for the external notification and
// analytics collaborators. Bid negotiation traffic is split from lifecycle
// traffic so consumers can subscribe to either independently.
const (
	TopicRideEvents = "taxi.ride.events"
	TopicBidEvents  = "taxi.bid.events"
)

// RideSnapshot is the compact ride view pushed to live connections and
// published to Kafka alongside the event type.
type RideSnapshot struct {
	RideID          string  `json:"ride_id"`
	Status          string  `json:"status"`
	RiderID         string  `json:"rider_id"`
	CaptainID       string  `json:"captain_id,omitempty"`
	CurrentBidID    string  `json:"current_bid_id,omitempty"`
	ProposedFareIqd int64   `json:"proposed_fare_iqd"`
	AgreedFareIqd   *int64  `json:"agreed_fare_iqd,omitempty"`
	SearchRadiusM   int     `json:"search_radius_m"`
	SearchPhase     int     `json:"search_phase"`
	PickupLat       float64 `json:"pickup_lat"`
	PickupLng       float64 `json:"pickup_lng"`
	DropoffLat      float64 `json:"dropoff_lat"`
	DropoffLng      float64 `json:"dropoff_lng"`
}

// StreamEvent is the Kafka message envelope.
type StreamEvent struct {
	EventType string         `json:"event_type"`
	Ride      RideSnapshot   `json:"ride"`
	Extra     map[string]any `json:"extra,omitempty"`
	At        string         `json:"at"`
}
