package sweeper

import (
	"context"
	"log"
	"time"

	"taxi-service/internal/rides"
)

// Sweeper drives the timed escalation and expiry passes. The ride service
// owns the semantics; this is just the clock.
type Sweeper struct {
	svc      *rides.Service
	interval time.Duration
}

// New creates a sweeper ticking at the given interval.
func New(svc *rides.Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{svc: svc, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per tick. Each pass is
// independent; a failed pass is logged and the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[sweeper] running every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		case <-ticker.C:
			acted, err := s.svc.Sweep(ctx)
			if err != nil {
				log.Printf("[sweeper] pass failed: %v", err)
				continue
			}
			if acted > 0 {
				log.Printf("[sweeper] pass acted on %d ride(s)", acted)
			}
		}
	}
}
