package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taxi-service/internal/models"
)

const rideColumns = `id, rider_id, captain_id,
	pickup_lat, pickup_lng, pickup_label,
	dropoff_lat, dropoff_lng, dropoff_label,
	proposed_fare_iqd, agreed_fare_iqd,
	search_radius_m, search_phase, current_bid_id, status, share_token,
	created_at, accepted_at, arriving_at, started_at, completed_at, cancelled_at,
	expires_at, next_escalation_at, no_captain_notified_at`

const bidColumns = `id, ride_id, captain_id, fare_iqd, eta_minutes, note,
	status, counter_count, last_offer_iqd, last_offer_by, created_at, updated_at`

// PostgresStore is the system of record. Negotiation transactions take a
// SELECT ... FOR UPDATE lock on the ride row before touching anything else.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rides (id, rider_id, captain_id,
			pickup_lat, pickup_lng, pickup_label,
			dropoff_lat, dropoff_lng, dropoff_label,
			proposed_fare_iqd, agreed_fare_iqd,
			search_radius_m, search_phase, current_bid_id, status, share_token,
			created_at, expires_at, next_escalation_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.RiderID, r.CaptainID,
		r.PickupLat, r.PickupLng, r.PickupLabel,
		r.DropoffLat, r.DropoffLng, r.DropoffLabel,
		r.ProposedFareIqd, r.AgreedFareIqd,
		r.SearchRadiusM, r.SearchPhase, r.CurrentBidID, r.Status, r.ShareToken,
		r.CreatedAt, r.ExpiresAt, r.NextEscalationAt)
	return err
}

func (s *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (s *PostgresStore) GetRideByShareToken(ctx context.Context, token string) (*models.Ride, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE share_token=$1`, token)
	return scanRide(row)
}

func (s *PostgresStore) CurrentRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE rider_id=$1 AND status NOT IN ('completed','cancelled','expired')
		ORDER BY created_at DESC LIMIT 1`, riderID)
	return scanRide(row)
}

func (s *PostgresStore) CurrentRideForCaptain(ctx context.Context, captainID string) (*models.Ride, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE captain_id=$1 AND status NOT IN ('completed','cancelled','expired')
		ORDER BY created_at DESC LIMIT 1`, captainID)
	return scanRide(row)
}

func (s *PostgresStore) SearchingRides(ctx context.Context) ([]*models.Ride, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status='searching' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (s *PostgresStore) DueRideIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM rides
		WHERE status='searching'
		  AND (expires_at <= $1 OR next_escalation_at <= $1)
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BidsForRide(ctx context.Context, rideID string) ([]*models.Bid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE ride_id=$1 ORDER BY created_at ASC, id ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBids(rows)
}

func (s *PostgresStore) BidForCaptain(ctx context.Context, rideID, captainID string) (*models.Bid, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE ride_id=$1 AND captain_id=$2`, rideID, captainID)
	return scanBid(row)
}

// InRideTx opens a transaction, locks the ride row FOR UPDATE, and runs fn.
// The lock is held for the whole read-validate-write span; the transaction
// either commits in full or rolls back in full.
func (s *PostgresStore) InRideTx(ctx context.Context, rideID string, fn func(RideTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, rideID)
	ride, err := scanRide(row)
	if err != nil {
		return err
	}

	pt := &pgTx{ctx: ctx, tx: tx, ride: ride}
	if err := fn(pt); err != nil {
		if err == ErrTxRollback {
			return nil
		}
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	ctx  context.Context
	tx   pgx.Tx
	ride *models.Ride
}

func (t *pgTx) Ride() *models.Ride { return t.ride.Clone() }

func (t *pgTx) UpdateRide(r *models.Ride) error {
	_, err := t.tx.Exec(t.ctx, `
		UPDATE rides SET captain_id=$2, agreed_fare_iqd=$3,
			search_radius_m=$4, search_phase=$5, current_bid_id=$6, status=$7,
			share_token=$8, accepted_at=$9, arriving_at=$10, started_at=$11,
			completed_at=$12, cancelled_at=$13, expires_at=$14,
			next_escalation_at=$15, no_captain_notified_at=$16
		WHERE id=$1`,
		r.ID, r.CaptainID, r.AgreedFareIqd,
		r.SearchRadiusM, r.SearchPhase, r.CurrentBidID, r.Status,
		r.ShareToken, r.AcceptedAt, r.ArrivingAt, r.StartedAt,
		r.CompletedAt, r.CancelledAt, r.ExpiresAt,
		r.NextEscalationAt, r.NoCaptainNotifiedAt)
	if err != nil {
		return err
	}
	t.ride = r.Clone()
	return nil
}

func (t *pgTx) Bids() ([]*models.Bid, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE ride_id=$1 ORDER BY created_at ASC, id ASC FOR UPDATE`, t.ride.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBids(rows)
}

func (t *pgTx) GetBid(id string) (*models.Bid, error) {
	row := t.tx.QueryRow(t.ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE id=$1 AND ride_id=$2 FOR UPDATE`, id, t.ride.ID)
	return scanBid(row)
}

func (t *pgTx) InsertBid(b *models.Bid) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO bids (id, ride_id, captain_id, fare_iqd, eta_minutes, note,
			status, counter_count, last_offer_iqd, last_offer_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.RideID, b.CaptainID, b.FareIqd, b.EtaMinutes, b.Note,
		b.Status, b.CounterCount, b.LastOfferIqd, b.LastOfferBy, b.CreatedAt, b.UpdatedAt)
	return err
}

func (t *pgTx) UpdateBid(b *models.Bid) error {
	tag, err := t.tx.Exec(t.ctx, `
		UPDATE bids SET fare_iqd=$2, eta_minutes=$3, note=$4, status=$5,
			counter_count=$6, last_offer_iqd=$7, last_offer_by=$8, updated_at=$9
		WHERE id=$1`,
		b.ID, b.FareIqd, b.EtaMinutes, b.Note, b.Status,
		b.CounterCount, b.LastOfferIqd, b.LastOfferBy, b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(e *models.RideEvent) error {
	return insertRideEvent(t.ctx, t.tx, e)
}

func (s *PostgresStore) UpsertPresence(ctx context.Context, p *models.CaptainPresence) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO captain_presence (captain_id, online, lat, lng,
			heading_deg, speed_kmh, accuracy_m, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (captain_id) DO UPDATE SET
			online=EXCLUDED.online, lat=EXCLUDED.lat, lng=EXCLUDED.lng,
			heading_deg=EXCLUDED.heading_deg, speed_kmh=EXCLUDED.speed_kmh,
			accuracy_m=EXCLUDED.accuracy_m, last_seen_at=EXCLUDED.last_seen_at`,
		p.CaptainID, p.Online, p.Lat, p.Lng,
		p.HeadingDeg, p.SpeedKmh, p.AccuracyM, p.LastSeenAt)
	return err
}

func (s *PostgresStore) GetPresence(ctx context.Context, captainID string) (*models.CaptainPresence, error) {
	var p models.CaptainPresence
	err := s.pool.QueryRow(ctx, `
		SELECT captain_id, online, lat, lng, heading_deg, speed_kmh, accuracy_m, last_seen_at
		FROM captain_presence WHERE captain_id=$1`, captainID).
		Scan(&p.CaptainID, &p.Online, &p.Lat, &p.Lng,
			&p.HeadingDeg, &p.SpeedKmh, &p.AccuracyM, &p.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) OnlinePresences(ctx context.Context, staleAfter time.Duration) ([]*models.CaptainPresence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT captain_id, online, lat, lng, heading_deg, speed_kmh, accuracy_m, last_seen_at
		FROM captain_presence WHERE online AND last_seen_at > $1`,
		time.Now().Add(-staleAfter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.CaptainPresence
	for rows.Next() {
		var p models.CaptainPresence
		if err := rows.Scan(&p.CaptainID, &p.Online, &p.Lat, &p.Lng,
			&p.HeadingDeg, &p.SpeedKmh, &p.AccuracyM, &p.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendLocationPing(ctx context.Context, p *models.LocationPing) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO location_pings (captain_id, ride_id, lat, lng, recorded_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		p.CaptainID, p.RideID, p.Lat, p.Lng, p.RecordedAt).Scan(&p.ID)
}

func (s *PostgresStore) AppendRideEvent(ctx context.Context, e *models.RideEvent) error {
	return insertRideEvent(ctx, s.pool, e)
}

func (s *PostgresStore) RideEvents(ctx context.Context, rideID string, limit int) ([]*models.RideEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, ride_id, actor_type, actor_id, event_type, message, payload, created_at
		FROM ride_events WHERE ride_id=$1 ORDER BY id ASC LIMIT $2`, rideID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideEvent
	for rows.Next() {
		var e models.RideEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RideID, &e.ActorType, &e.ActorID,
			&e.EventType, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnqueueNotification(ctx context.Context, n *models.Notification) error {
	payload, err := marshalPayload(n.Payload)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, type, title, body, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		n.UserID, n.Type, n.Title, n.Body, payload, orNow(n.CreatedAt)).Scan(&n.ID)
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(
		&r.ID, &r.RiderID, &r.CaptainID,
		&r.PickupLat, &r.PickupLng, &r.PickupLabel,
		&r.DropoffLat, &r.DropoffLng, &r.DropoffLabel,
		&r.ProposedFareIqd, &r.AgreedFareIqd,
		&r.SearchRadiusM, &r.SearchPhase, &r.CurrentBidID, &r.Status, &r.ShareToken,
		&r.CreatedAt, &r.AcceptedAt, &r.ArrivingAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&r.ExpiresAt, &r.NextEscalationAt, &r.NoCaptainNotifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	return &r, nil
}

func collectRides(rows pgx.Rows) ([]*models.Ride, error) {
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanBid(row rowScanner) (*models.Bid, error) {
	var b models.Bid
	err := row.Scan(
		&b.ID, &b.RideID, &b.CaptainID, &b.FareIqd, &b.EtaMinutes, &b.Note,
		&b.Status, &b.CounterCount, &b.LastOfferIqd, &b.LastOfferBy,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bid: %w", err)
	}
	return &b, nil
}

func collectBids(rows pgx.Rows) ([]*models.Bid, error) {
	var out []*models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRideEvent(ctx context.Context, q rowQuerier, e *models.RideEvent) error {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return err
	}
	return q.QueryRow(ctx, `
		INSERT INTO ride_events (ride_id, actor_type, actor_id, event_type, message, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		e.RideID, e.ActorType, e.ActorID, e.EventType, e.Message, payload, orNow(e.CreatedAt)).Scan(&e.ID)
}

func marshalPayload(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
