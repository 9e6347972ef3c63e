package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"taxi-service/internal/models"
)

// MemoryStore keeps everything in maps. It backs the unit tests and lets the
// service run without Postgres. InRideTx serialises writers per ride with a
// mutex, mirroring the row lock the Postgres store takes.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]*models.Ride
	bids      map[string]*models.Bid
	presences map[string]*models.CaptainPresence
	pings     []*models.LocationPing
	events    []*models.RideEvent
	notifs    []*models.Notification
	nextID    int64

	lockMu    sync.Mutex
	rideLocks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:     make(map[string]*models.Ride),
		bids:      make(map[string]*models.Bid),
		presences: make(map[string]*models.CaptainPresence),
		rideLocks: make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetRideByShareToken(_ context.Context, token string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.ShareToken != nil && *r.ShareToken == token {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CurrentRideForRider(_ context.Context, riderID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Ride
	for _, r := range m.rides {
		if r.RiderID != riderID || r.Status.Terminal() {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MemoryStore) CurrentRideForCaptain(_ context.Context, captainID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Ride
	for _, r := range m.rides {
		if r.CaptainID == nil || *r.CaptainID != captainID || r.Status.Terminal() {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MemoryStore) SearchingRides(_ context.Context) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.RideSearching {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DueRideIDs(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, r := range m.rides {
		if r.Status != models.RideSearching {
			continue
		}
		if !r.ExpiresAt.After(now) {
			out = append(out, r.ID)
			continue
		}
		if r.NextEscalationAt != nil && !r.NextEscalationAt.After(now) {
			out = append(out, r.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) BidsForRide(_ context.Context, rideID string) ([]*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bidsLocked(rideID), nil
}

func (m *MemoryStore) bidsLocked(rideID string) []*models.Bid {
	var out []*models.Bid
	for _, b := range m.bids {
		if b.RideID == rideID {
			out = append(out, b.Clone())
		}
	}
	sortBids(out)
	return out
}

func (m *MemoryStore) BidForCaptain(_ context.Context, rideID, captainID string) (*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bids {
		if b.RideID == rideID && b.CaptainID == captainID {
			return b.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// InRideTx locks the ride, hands fn staged copies, and applies the staged
// writes only when fn succeeds. A failed fn leaves the store untouched, so
// partial writes are never observable.
func (m *MemoryStore) InRideTx(ctx context.Context, rideID string, fn func(RideTx) error) error {
	lock := m.rideLock(rideID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	orig, ok := m.rides[rideID]
	var ride *models.Ride
	if ok {
		ride = orig.Clone()
	}
	staged := make(map[string]*models.Bid)
	for id, b := range m.bids {
		if b.RideID == rideID {
			staged[id] = b.Clone()
		}
	}
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}

	tx := &memoryTx{ride: ride, bids: staged}
	if err := fn(tx); err != nil {
		if err == ErrTxRollback {
			return nil
		}
		return err
	}

	m.mu.Lock()
	m.rides[rideID] = tx.ride
	for id, b := range tx.bids {
		m.bids[id] = b
	}
	for _, e := range tx.events {
		m.nextID++
		e.ID = m.nextID
		m.events = append(m.events, e)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) rideLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.rideLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.rideLocks[id] = l
	}
	return l
}

type memoryTx struct {
	ride   *models.Ride
	bids   map[string]*models.Bid
	events []*models.RideEvent
}

func (t *memoryTx) Ride() *models.Ride { return t.ride.Clone() }

func (t *memoryTx) UpdateRide(r *models.Ride) error {
	t.ride = r.Clone()
	return nil
}

func (t *memoryTx) Bids() ([]*models.Bid, error) {
	out := make([]*models.Bid, 0, len(t.bids))
	for _, b := range t.bids {
		out = append(out, b.Clone())
	}
	sortBids(out)
	return out, nil
}

func (t *memoryTx) GetBid(id string) (*models.Bid, error) {
	b, ok := t.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (t *memoryTx) InsertBid(b *models.Bid) error {
	t.bids[b.ID] = b.Clone()
	return nil
}

func (t *memoryTx) UpdateBid(b *models.Bid) error {
	if _, ok := t.bids[b.ID]; !ok {
		return ErrNotFound
	}
	t.bids[b.ID] = b.Clone()
	return nil
}

func (t *memoryTx) AppendEvent(e *models.RideEvent) error {
	e.CreatedAt = orNow(e.CreatedAt)
	t.events = append(t.events, e)
	return nil
}

func (m *MemoryStore) UpsertPresence(_ context.Context, p *models.CaptainPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.presences[p.CaptainID] = &c
	return nil
}

func (m *MemoryStore) GetPresence(_ context.Context, captainID string) (*models.CaptainPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presences[captainID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) OnlinePresences(_ context.Context, staleAfter time.Duration) ([]*models.CaptainPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-staleAfter)
	var out []*models.CaptainPresence
	for _, p := range m.presences {
		if p.Online && p.LastSeenAt.After(cutoff) {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendLocationPing(_ context.Context, p *models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.pings = append(m.pings, p)
	return nil
}

func (m *MemoryStore) AppendRideEvent(_ context.Context, e *models.RideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = orNow(e.CreatedAt)
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) RideEvents(_ context.Context, rideID string, limit int) ([]*models.RideEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideEvent
	for _, e := range m.events {
		if e.RideID == rideID {
			c := *e
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) EnqueueNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	n.ID = m.nextID
	n.CreatedAt = orNow(n.CreatedAt)
	m.notifs = append(m.notifs, n)
	return nil
}

// Notifications returns a copy of all enqueued notifications (test helper).
func (m *MemoryStore) Notifications() []*models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Notification, len(m.notifs))
	copy(out, m.notifs)
	return out
}

func sortBids(bids []*models.Bid) {
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].CreatedAt.Equal(bids[j].CreatedAt) {
			return bids[i].ID < bids[j].ID
		}
		return bids[i].CreatedAt.Before(bids[j].CreatedAt)
	})
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
