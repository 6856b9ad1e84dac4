package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aveer-dev/collabsync/internal/remote"
)

// HealthPinger can be implemented by a remote backend to expose a cheap
// dedicated probe. HealthPing must return nil when the backend is healthy.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}

// StoreChecker probes the remote row-store. Backends implementing
// HealthPinger get a dedicated probe; otherwise a point read against the
// documents table serves as one, since not-found is a healthy response.
type StoreChecker struct {
	store   remote.Store
	healthy atomic.Int32
}

func NewStoreChecker(store remote.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

func (s *StoreChecker) Name() string { return "remote-store" }

func (s *StoreChecker) IsHealthy() bool { return s.healthy.Load() == 1 }

func (s *StoreChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.ping(pctx); err != nil {
			s.healthy.Store(0)
			return
		}
		s.healthy.Store(1)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

func (s *StoreChecker) ping(ctx context.Context) error {
	if p, ok := s.store.(HealthPinger); ok {
		return p.HealthPing(ctx)
	}
	_, err := s.store.Get(ctx, remote.TableDocuments, "health-probe")
	return err
}
