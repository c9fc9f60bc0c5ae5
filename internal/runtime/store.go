package runtime

import (
	"context"
	"sync"

	"strategy-agent/internal/models"
)

// Store is the persistence surface the controller drives. The Postgres
// repository implements it for the service; MemoryStore backs tests and
// the standalone paper trader. Every write is best-effort from the
// controller's point of view: errors are logged, never propagated into
// the decision loop.
type Store interface {
	// GetStrategy returns the strategy row, or nil when unknown.
	GetStrategy(ctx context.Context, strategyID string) (*models.StrategyRecord, error)
	SetStrategyStatus(ctx context.Context, strategyID string, status models.StrategyStatus) error
	// MergeStrategyMetadata folds patch into the row's metadata JSON,
	// key by key. A nil value removes the key.
	MergeStrategyMetadata(ctx context.Context, strategyID string, patch map[string]interface{}) error
	// UpdateInitialCapital rewrites trading_config.initial_capital inside
	// the stored request config (live free-cash sync).
	UpdateInitialCapital(ctx context.Context, strategyID string, capital float64) error

	SaveCycle(ctx context.Context, strategyID, composeID string, cycleIndex, ts int64, rationale string) error
	SaveInstructions(ctx context.Context, strategyID string, instructions []models.TradeInstruction) error
	SaveTrades(ctx context.Context, strategyID string, trades []models.TradeHistoryEntry) error
	SavePortfolioView(ctx context.Context, view models.PortfolioView) error
	SaveSummary(ctx context.Context, summary models.StrategySummary) error

	// LatestPortfolioSnapshot returns the most recent persisted view, or
	// nil when the strategy has never been snapshotted. Used to make the
	// first-snapshot bookkeeping idempotent across restarts.
	LatestPortfolioSnapshot(ctx context.Context, strategyID string) (*models.PortfolioView, error)
}

// MemoryStore is an in-process Store for tests and the papertrade
// command. Writes mirror the repository semantics: cycles and
// instructions are keyed for idempotency, snapshots append.
type MemoryStore struct {
	mu           sync.Mutex
	strategies   map[string]*models.StrategyRecord
	cycles       map[string]map[string]int64 // strategy -> compose_id -> cycle_index
	instructions map[string]models.TradeInstruction
	trades       map[string][]models.TradeHistoryEntry
	snapshots    map[string][]models.PortfolioView
	summaries    map[string]models.StrategySummary
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies:   make(map[string]*models.StrategyRecord),
		cycles:       make(map[string]map[string]int64),
		instructions: make(map[string]models.TradeInstruction),
		trades:       make(map[string][]models.TradeHistoryEntry),
		snapshots:    make(map[string][]models.PortfolioView),
		summaries:    make(map[string]models.StrategySummary),
	}
}

// PutStrategy inserts or replaces a strategy row.
func (m *MemoryStore) PutStrategy(rec *models.StrategyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.strategies[rec.StrategyID] = &cp
}

func (m *MemoryStore) GetStrategy(_ context.Context, strategyID string) (*models.StrategyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.strategies[strategyID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) SetStrategyStatus(_ context.Context, strategyID string, status models.StrategyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.strategies[strategyID]; ok {
		rec.Status = status
	}
	return nil
}

func (m *MemoryStore) MergeStrategyMetadata(_ context.Context, strategyID string, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.strategies[strategyID]
	if !ok {
		return nil
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(rec.Metadata, k)
			continue
		}
		rec.Metadata[k] = v
	}
	return nil
}

func (m *MemoryStore) UpdateInitialCapital(_ context.Context, strategyID string, capital float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.strategies[strategyID]
	if !ok || rec.Config == nil {
		return nil
	}
	rec.Config.TradingConfig.InitialCapital = capital
	return nil
}

func (m *MemoryStore) SaveCycle(_ context.Context, strategyID, composeID string, cycleIndex, _ int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycles[strategyID] == nil {
		m.cycles[strategyID] = make(map[string]int64)
	}
	m.cycles[strategyID][composeID] = cycleIndex
	return nil
}

func (m *MemoryStore) SaveInstructions(_ context.Context, _ string, instructions []models.TradeInstruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range instructions {
		m.instructions[inst.InstructionID] = inst
	}
	return nil
}

func (m *MemoryStore) SaveTrades(_ context.Context, strategyID string, trades []models.TradeHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// keyed by trade id, duplicates replace
	for _, trade := range trades {
		existing := m.trades[strategyID]
		replaced := false
		for i := range existing {
			if existing[i].TradeID == trade.TradeID {
				existing[i] = trade
				replaced = true
				break
			}
		}
		if !replaced {
			m.trades[strategyID] = append(existing, trade)
		}
	}
	return nil
}

func (m *MemoryStore) SavePortfolioView(_ context.Context, view models.PortfolioView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if view.StrategyID == "" {
		return nil
	}
	m.snapshots[view.StrategyID] = append(m.snapshots[view.StrategyID], view)
	return nil
}

func (m *MemoryStore) SaveSummary(_ context.Context, summary models.StrategySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if summary.StrategyID == "" {
		return nil
	}
	m.summaries[summary.StrategyID] = summary
	return nil
}

func (m *MemoryStore) LatestPortfolioSnapshot(_ context.Context, strategyID string) (*models.PortfolioView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snapshots[strategyID]
	if len(snaps) == 0 {
		return nil, nil
	}
	cp := snaps[len(snaps)-1]
	return &cp, nil
}

// Cycles returns the persisted compose ids for a strategy.
func (m *MemoryStore) Cycles(strategyID string) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.cycles[strategyID]))
	for k, v := range m.cycles[strategyID] {
		out[k] = v
	}
	return out
}

// Trades returns the persisted trades for a strategy in arrival order.
func (m *MemoryStore) Trades(strategyID string) []models.TradeHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TradeHistoryEntry, len(m.trades[strategyID]))
	copy(out, m.trades[strategyID])
	return out
}

// Snapshots returns all persisted portfolio views for a strategy.
func (m *MemoryStore) Snapshots(strategyID string) []models.PortfolioView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PortfolioView, len(m.snapshots[strategyID]))
	copy(out, m.snapshots[strategyID])
	return out
}

// Summary returns the last persisted summary for a strategy.
func (m *MemoryStore) Summary(strategyID string) (models.StrategySummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[strategyID]
	return s, ok
}
