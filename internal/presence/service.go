package presence

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"taxi-service/internal/geo"
	"taxi-service/internal/models"
	"taxi-service/internal/observability"
	"taxi-service/internal/storage"
)

// Domain errors for presence and discovery.
var (
	ErrOffline    = errors.New("captain offline or location unknown")
	ErrBadRequest = errors.New("bad request")
)

// Config tunes presence freshness and discovery bounds.
type Config struct {
	StaleAfter      time.Duration
	DefaultRadiusM  int
	MaxQueryRadiusM int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:      2 * time.Minute,
		DefaultRadiusM:  models.DefaultSearchRadiusM,
		MaxQueryRadiusM: models.MaxSearchRadiusM,
	}
}

// Heartbeat is a fast-expiring liveness marker kept alongside the durable
// presence row (Redis in production, nil in tests).
type Heartbeat interface {
	TouchOnline(ctx context.Context, captainID string, ttl time.Duration) error
	IsOnline(ctx context.Context, captainID string) (bool, error)
}

// Service owns the captain presence store and proximity queries. Presence is
// last-write-wins by design; it exists to drive matching, not for audit.
type Service struct {
	store storage.Store
	hb    Heartbeat
	cfg   Config
}

// NewService creates a presence service. hb may be nil.
func NewService(store storage.Store, hb Heartbeat, cfg Config) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.DefaultRadiusM <= 0 {
		cfg.DefaultRadiusM = DefaultConfig().DefaultRadiusM
	}
	if cfg.MaxQueryRadiusM <= 0 {
		cfg.MaxQueryRadiusM = DefaultConfig().MaxQueryRadiusM
	}
	return &Service{store: store, hb: hb, cfg: cfg}
}

// UpdateRequest is a captain's presence/location ping.
type UpdateRequest struct {
	Online     bool    `json:"online"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	HeadingDeg float64 `json:"heading_deg"`
	SpeedKmh   float64 `json:"speed_kmh"`
	AccuracyM  float64 `json:"accuracy_m"`
}

// Update upserts the captain's presence row and appends to the location
// trail. Called on every ping; the row is overwritten in place.
func (s *Service) Update(ctx context.Context, captainID string, req UpdateRequest) (*models.CaptainPresence, error) {
	if !geo.ValidCoordinates(req.Lat, req.Lng) {
		return nil, ErrBadRequest
	}
	now := time.Now()
	p := &models.CaptainPresence{
		CaptainID:  captainID,
		Online:     req.Online,
		Lat:        req.Lat,
		Lng:        req.Lng,
		HeadingDeg: req.HeadingDeg,
		SpeedKmh:   req.SpeedKmh,
		AccuracyM:  req.AccuracyM,
		LastSeenAt: now,
	}
	if err := s.store.UpsertPresence(ctx, p); err != nil {
		return nil, err
	}
	if err := s.store.AppendLocationPing(ctx, &models.LocationPing{
		CaptainID:  captainID,
		Lat:        req.Lat,
		Lng:        req.Lng,
		RecordedAt: now,
	}); err != nil {
		return nil, err
	}
	if s.hb != nil && req.Online {
		if err := s.hb.TouchOnline(ctx, captainID, s.cfg.StaleAfter); err != nil {
			log.Printf("[presence] heartbeat for %s: %v", captainID, err)
		}
	}
	observability.PresencePings.Inc()
	return p, nil
}

// Get returns the captain's latest presence row.
func (s *Service) Get(ctx context.Context, captainID string) (*models.CaptainPresence, error) {
	return s.store.GetPresence(ctx, captainID)
}

// CountOnlineCaptainsNear returns how many captains with a fresh heartbeat
// are within radiusM of the point. Shown to riders before they commit to a
// request; individual captain positions are never exposed.
func (s *Service) CountOnlineCaptainsNear(ctx context.Context, lat, lng float64, radiusM int) (int, error) {
	if !geo.ValidCoordinates(lat, lng) {
		return 0, ErrBadRequest
	}
	if radiusM <= 0 {
		radiusM = s.cfg.DefaultRadiusM
	}
	if radiusM > s.cfg.MaxQueryRadiusM {
		radiusM = s.cfg.MaxQueryRadiusM
	}
	online, err := s.store.OnlinePresences(ctx, s.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range online {
		if geo.WithinM(p.Lat, p.Lng, lat, lng, float64(radiusM)) {
			n++
		}
	}
	return n, nil
}

// fresh reports whether the captain's location can still be trusted. The
// durable row decides; a live heartbeat key covers the window where the row
// write lags behind the latest ping.
func (s *Service) fresh(ctx context.Context, p *models.CaptainPresence) bool {
	if !p.LastSeenAt.Before(time.Now().Add(-s.cfg.StaleAfter)) {
		return true
	}
	if s.hb != nil {
		if ok, err := s.hb.IsOnline(ctx, p.CaptainID); err == nil && ok {
			return true
		}
	}
	return false
}

// NearbyRide is an open ride visible to a querying captain.
type NearbyRide struct {
	Ride      *models.Ride `json:"ride"`
	DistanceM float64      `json:"distance_m"`
}

// NearbyRides lists searching rides visible to the captain. Visibility
// requires the captain to be online with fresh coordinates, and the
// captain-to-pickup distance to satisfy both the ride's current search
// radius and the captain's query radius.
func (s *Service) NearbyRides(ctx context.Context, captainID string, queryRadiusM int) ([]NearbyRide, error) {
	if queryRadiusM <= 0 {
		queryRadiusM = s.cfg.DefaultRadiusM
	}
	if queryRadiusM > s.cfg.MaxQueryRadiusM {
		queryRadiusM = s.cfg.MaxQueryRadiusM
	}

	p, err := s.store.GetPresence(ctx, captainID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOffline
		}
		return nil, err
	}
	if !p.Online || !s.fresh(ctx, p) {
		return nil, ErrOffline
	}

	rides, err := s.store.SearchingRides(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []NearbyRide
	for _, ride := range rides {
		if ride.RiderID == captainID || !ride.ExpiresAt.After(now) {
			continue
		}
		dist := geo.HaversineM(p.Lat, p.Lng, ride.PickupLat, ride.PickupLng)
		if dist > float64(ride.SearchRadiusM) || dist > float64(queryRadiusM) {
			continue
		}
		out = append(out, NearbyRide{Ride: ride, DistanceM: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}
