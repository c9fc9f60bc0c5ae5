package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager is the registry of live strategies. Each launched strategy runs
// its controller on its own goroutine; stopping cancels that goroutine's
// context and the controller finalizes with reason cancelled.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*managed
	logger  zerolog.Logger
	wg      sync.WaitGroup
	closed  bool
}

type managed struct {
	strategy *Strategy
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager returns an empty strategy registry.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		entries: make(map[string]*managed),
		logger:  logger,
	}
}

// Launch starts the strategy's controller loop on its own goroutine. The
// run outlives the caller's request context; only Stop or Shutdown cancel
// it.
func (m *Manager) Launch(s *Strategy) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager is shutting down")
	}
	if _, exists := m.entries[s.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s is already running", s.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &managed{strategy: s, cancel: cancel, done: make(chan struct{})}
	m.entries[s.ID] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("strategy_id", s.ID).Msg("Launching strategy")
	go func() {
		defer m.wg.Done()
		defer close(entry.done)
		defer m.remove(s.ID)
		s.Controller.Run(ctx)
	}()
	return nil
}

func (m *Manager) remove(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, strategyID)
}

// Stop cancels a running strategy. The controller observes the
// cancellation and finalizes with reason cancelled. Returns false when
// the strategy is not managed here.
func (m *Manager) Stop(strategyID string) bool {
	m.mu.Lock()
	entry, ok := m.entries[strategyID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.Info().Str("strategy_id", strategyID).Msg("Stopping strategy")
	entry.cancel()
	return true
}

// Get returns the managed strategy, if any.
func (m *Manager) Get(strategyID string) (*Strategy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[strategyID]
	if !ok {
		return nil, false
	}
	return entry.strategy, true
}

// Active returns the ids of strategies currently managed.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of managed strategies.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown cancels every strategy and waits for the controllers to
// finalize, up to the timeout. Further launches are refused.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*managed, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.logger.Info().Int("strategies", len(entries)).Msg("Shutting down strategy manager")
	for _, e := range entries {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out after %s with %d strategies still draining", timeout, m.Count())
	}
}
