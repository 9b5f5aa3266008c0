package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/ashureev/fitcoach/internal/store"
	"golang.org/x/sync/errgroup"
)

// Config controls the conversation.
type Config struct {
	MaxInteractions int
	IdleTTL         time.Duration
}

type flowKey struct {
	deviceID string
	userID   string
}

// Service keeps the open flows of every device.
type Service struct {
	storage store.DeviceStorage
	model   Model
	planner Planner
	cfg     Config

	mu    sync.Mutex
	flows map[flowKey]*Flow
}

// NewService creates a chat service.
func NewService(storage store.DeviceStorage, model Model, planner Planner, cfg Config) *Service {
	return &Service{
		storage: storage,
		model:   model,
		planner: planner,
		cfg:     cfg,
		flows:   make(map[flowKey]*Flow),
	}
}

// Open returns the flow of userID on deviceID, restoring it and checking the
// backend concurrently when it is not open yet. A restore failure leaves
// the flow in FatalError and is returned along with it. An unpinned flow may
// be evicted once idle; callers that hold it across calls use Acquire.
func (s *Service) Open(ctx context.Context, deviceID, userID string, routeData *domain.Questionnaire) (*Flow, error) {
	return s.open(ctx, deviceID, userID, routeData, false)
}

// Acquire is Open with the flow pinned: it is not evicted until release is
// called, so every turn of the key runs through this one flow. release is
// safe to call more than once.
func (s *Service) Acquire(ctx context.Context, deviceID, userID string, routeData *domain.Questionnaire) (f *Flow, release func(), err error) {
	f, err = s.open(ctx, deviceID, userID, routeData, true)
	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			f.pins--
			s.mu.Unlock()
			f.touch()
		})
	}
	return f, release, err
}

func (s *Service) open(ctx context.Context, deviceID, userID string, routeData *domain.Questionnaire, pin bool) (*Flow, error) {
	key := flowKey{deviceID: deviceID, userID: userID}

	s.mu.Lock()
	old, ok := s.flows[key]
	if ok && old.Snapshot().Phase != FatalError {
		if pin {
			old.pins++
		}
		s.mu.Unlock()
		if snap := old.Snapshot(); snap.BackendChecked && !snap.BackendAvailable {
			old.CheckBackend(ctx)
		}
		return old, nil
	}
	if ok {
		old.close()
	}
	f := NewFlow(userID, deviceID, store.Device(s.storage, deviceID), s.model, s.planner, s.cfg.MaxInteractions)
	if pin {
		f.pins++
	}
	s.flows[key] = f
	s.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { return f.Restore(ctx, routeData) })
	g.Go(func() error {
		f.CheckBackend(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return f, err
	}
	return f, nil
}

// Lookup returns an open flow.
func (s *Service) Lookup(deviceID, userID string) (*Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowKey{deviceID: deviceID, userID: userID}]
	return f, ok
}

// Forget drops an open flow and closes it, pinned or not. Persisted state
// is untouched.
func (s *Service) Forget(deviceID, userID string) {
	key := flowKey{deviceID: deviceID, userID: userID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[key]; ok {
		f.close()
		delete(s.flows, key)
	}
}

// Reset clears the persisted conversation of userID on deviceID and resets
// the open flow if there is one.
func (s *Service) Reset(ctx context.Context, deviceID, userID string) error {
	if f, ok := s.Lookup(deviceID, userID); ok {
		return f.Reset(ctx)
	}
	return ClearConversation(ctx, store.Device(s.storage, deviceID), userID)
}

// EvictIdle drops unpinned flows unused since before now-IdleTTL and
// returns how many were removed.
func (s *Service) EvictIdle(now time.Time) int {
	if s.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, f := range s.flows {
		if f.pins == 0 && f.LastUsed().Before(cutoff) {
			f.close()
			delete(s.flows, key)
			n++
		}
	}
	return n
}

// OpenFlows returns the number of flows held in memory.
func (s *Service) OpenFlows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// StartJanitor evicts idle flows every interval until ctx is cancelled. The
// returned channel is closed on exit.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := s.EvictIdle(now); n > 0 {
					slog.Info("Evicted idle chat flows", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
