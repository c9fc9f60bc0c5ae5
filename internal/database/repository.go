package database

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"strategy-agent/internal/models"
)

// Repository provides data access for strategies and their runtime
// artifacts. It implements runtime.Store for the decision loop and adds
// the read queries the API serves.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// --- decimal/time binding helpers --------------------------------------

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func nullDec(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(*v), Valid: true}
}

func nullDecPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ============================================================================
// STRATEGIES
// ============================================================================

// CreateStrategy upserts the strategy row. Config and metadata are stored
// as JSONB; an existing row with the same id is overwritten field by
// field, matching repeated launch requests.
func (r *Repository) CreateStrategy(ctx context.Context, rec *models.StrategyRecord) error {
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal strategy config: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal strategy metadata: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = models.StatusRunning
	}

	query := `
		INSERT INTO strategies (strategy_id, name, user_id, status, config, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (strategy_id) DO UPDATE SET
			name = EXCLUDED.name,
			user_id = EXCLUDED.user_id,
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			metadata = EXCLUDED.metadata
	`
	_, err = r.db.Pool.Exec(ctx, query,
		rec.StrategyID, nullStr(rec.Name), nullStr(rec.UserID), string(status), config, metadata,
	)
	return err
}

// GetStrategy returns the strategy row, or nil when unknown.
func (r *Repository) GetStrategy(ctx context.Context, strategyID string) (*models.StrategyRecord, error) {
	query := `
		SELECT strategy_id, name, user_id, status, config, metadata, created_at, updated_at
		FROM strategies
		WHERE strategy_id = $1
	`
	rec, err := scanStrategy(r.db.Pool.QueryRow(ctx, query, strategyID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListStrategies returns strategy rows newest first, optionally filtered
// by user.
func (r *Repository) ListStrategies(ctx context.Context, userID string) ([]*models.StrategyRecord, error) {
	query := `
		SELECT strategy_id, name, user_id, status, config, metadata, created_at, updated_at
		FROM strategies
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StrategyRecord
	for rows.Next() {
		rec, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*models.StrategyRecord, error) {
	var (
		rec      models.StrategyRecord
		name     *string
		userID   *string
		status   string
		config   []byte
		metadata []byte
	)
	if err := row.Scan(&rec.StrategyID, &name, &userID, &status, &config, &metadata, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if name != nil {
		rec.Name = *name
	}
	if userID != nil {
		rec.UserID = *userID
	}
	rec.Status = models.StrategyStatus(status)
	if len(config) > 0 {
		var req models.UserRequest
		if err := json.Unmarshal(config, &req); err == nil {
			rec.Config = &req
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			rec.Metadata = nil
		}
	}
	return &rec, nil
}

// SetStrategyStatus flips the kill switch column.
func (r *Repository) SetStrategyStatus(ctx context.Context, strategyID string, status models.StrategyStatus) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE strategies SET status = $2 WHERE strategy_id = $1`,
		strategyID, string(status),
	)
	return err
}

// MergeStrategyMetadata folds patch into the metadata JSONB key by key.
// A nil value removes the key.
func (r *Repository) MergeStrategyMetadata(ctx context.Context, strategyID string, patch map[string]interface{}) error {
	set := make(map[string]interface{}, len(patch))
	remove := make([]string, 0)
	for k, v := range patch {
		if v == nil {
			remove = append(remove, k)
			continue
		}
		set[k] = v
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}

	query := `
		UPDATE strategies
		SET metadata = (COALESCE(metadata, '{}'::jsonb) || $2::jsonb) - $3::text[]
		WHERE strategy_id = $1
	`
	_, err = r.db.Pool.Exec(ctx, query, strategyID, payload, remove)
	return err
}

// UpdateInitialCapital rewrites trading_config.initial_capital inside the
// stored request config (live free-cash sync at startup).
func (r *Repository) UpdateInitialCapital(ctx context.Context, strategyID string, capital float64) error {
	query := `
		UPDATE strategies
		SET config = jsonb_set(COALESCE(config, '{}'::jsonb), '{trading_config,initial_capital}', to_jsonb($2::numeric), true)
		WHERE strategy_id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, strategyID, dec(capital))
	return err
}

// SaveSummary merges the rolling summary into the strategy metadata, the
// same JSONB the stop bookkeeping lives in.
func (r *Repository) SaveSummary(ctx context.Context, summary models.StrategySummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := `
		UPDATE strategies
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		WHERE strategy_id = $1
	`
	_, err = r.db.Pool.Exec(ctx, query, summary.StrategyID, payload)
	return err
}

// ============================================================================
// CYCLES & INSTRUCTIONS
// ============================================================================

// SaveCycle records one decision cycle. Replays after a crash hit the
// compose_id primary key and are dropped.
func (r *Repository) SaveCycle(ctx context.Context, strategyID, composeID string, cycleIndex, ts int64, rationale string) error {
	query := `
		INSERT INTO strategy_cycles (compose_id, strategy_id, cycle_index, compose_ts, rationale)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (compose_id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, composeID, strategyID, cycleIndex, msToTime(ts), nullStr(rationale))
	return err
}

// SaveInstructions records the normalized instructions of one cycle in
// emit order. Deterministic ids make re-submission idempotent.
func (r *Repository) SaveInstructions(ctx context.Context, strategyID string, instructions []models.TradeInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	query := `
		INSERT INTO strategy_instructions (instruction_id, compose_id, symbol, action, side, quantity, leverage, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instruction_id) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, inst := range instructions {
		var lev *float64
		if inst.Leverage > 0 {
			l := inst.Leverage
			lev = &l
		}
		batch.Queue(query,
			inst.InstructionID, inst.ComposeID, inst.Instrument.Symbol,
			string(inst.Action), string(inst.Side), dec(inst.Quantity),
			nullDec(lev), nullStr(inst.Meta.Rationale),
		)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range instructions {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// TRADES
// ============================================================================

// SaveTrades upserts executed fills into strategy_details. Quantity is
// stored as an absolute magnitude, direction lives in the side column. A
// replayed trade id updates the backfilled exit fields instead of
// duplicating the row.
func (r *Repository) SaveTrades(ctx context.Context, strategyID string, trades []models.TradeHistoryEntry) error {
	if len(trades) == 0 {
		return nil
	}
	query := `
		INSERT INTO strategy_details (
			strategy_id, trade_id, instruction_id, symbol, type, side, leverage, quantity,
			entry_price, exit_price, realized_pnl, fee_cost, holding_ms, event_time, note
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (strategy_id, trade_id) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			exit_price = EXCLUDED.exit_price,
			realized_pnl = EXCLUDED.realized_pnl,
			fee_cost = EXCLUDED.fee_cost,
			holding_ms = EXCLUDED.holding_ms,
			note = EXCLUDED.note
	`
	batch := &pgx.Batch{}
	for _, t := range trades {
		ttype := string(t.Type)
		if ttype == "" {
			if t.Side == models.SideSell {
				ttype = string(models.TradeTypeShort)
			} else {
				ttype = string(models.TradeTypeLong)
			}
		}
		var eventTime *time.Time
		if t.TradeTs > 0 {
			tm := msToTime(t.TradeTs)
			eventTime = &tm
		}
		batch.Queue(query,
			strategyID, t.TradeID, nullStr(t.InstructionID), t.Instrument.Symbol,
			ttype, string(t.Side), nullDec(t.Leverage), dec(math.Abs(t.Quantity)),
			nullDec(t.EntryPrice), nullDec(t.ExitPrice), nullDec(t.RealizedPnl),
			nullDec(t.FeeCost), t.HoldingMs, eventTime, nullStr(t.Note),
		)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range trades {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// GetDetails returns fill rows for a strategy, newest first.
func (r *Repository) GetDetails(ctx context.Context, strategyID string, limit int) ([]*Detail, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id, strategy_id, trade_id, instruction_id, symbol, type, side, leverage, quantity,
		       entry_price, exit_price, unrealized_pnl, realized_pnl, fee_cost, holding_ms,
		       event_time, note, created_at, updated_at
		FROM strategy_details
		WHERE strategy_id = $1
		ORDER BY event_time DESC NULLS LAST, created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Detail
	for rows.Next() {
		var (
			d        Detail
			leverage decimal.NullDecimal
			quantity decimal.Decimal
			entry    decimal.NullDecimal
			exit     decimal.NullDecimal
			upnl     decimal.NullDecimal
			rpnl     decimal.NullDecimal
			fee      decimal.NullDecimal
		)
		if err := rows.Scan(
			&d.ID, &d.StrategyID, &d.TradeID, &d.InstructionID, &d.Symbol, &d.Type, &d.Side,
			&leverage, &quantity, &entry, &exit, &upnl, &rpnl, &fee, &d.HoldingMs,
			&d.EventTime, &d.Note, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		d.Leverage = nullDecPtr(leverage)
		d.Quantity = quantity.InexactFloat64()
		d.EntryPrice = nullDecPtr(entry)
		d.ExitPrice = nullDecPtr(exit)
		d.UnrealizedPnl = nullDecPtr(upnl)
		d.RealizedPnl = nullDecPtr(rpnl)
		d.FeeCost = nullDecPtr(fee)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ============================================================================
// PORTFOLIO SNAPSHOTS & HOLDINGS
// ============================================================================

// SavePortfolioView writes one aggregated snapshot row plus one holdings
// row per open position, all stamped with the view's timestamp.
func (r *Repository) SavePortfolioView(ctx context.Context, view models.PortfolioView) error {
	if view.StrategyID == "" {
		return fmt.Errorf("portfolio view missing strategy_id")
	}
	snapshotTs := msToTime(view.Ts)
	if view.Ts <= 0 {
		snapshotTs = time.Now().UTC()
	}
	totalValue := view.TotalValue
	if totalValue == 0 {
		totalValue = view.FreeCash
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO strategy_portfolio_snapshots (strategy_id, snapshot_ts, cash, total_value, total_unrealized_pnl)
		VALUES ($1, $2, $3, $4, $5)
	`, view.StrategyID, snapshotTs, dec(view.FreeCash), dec(totalValue), dec(view.TotalUnrealizedPnl))
	if err != nil {
		return err
	}

	if len(view.Positions) == 0 {
		return nil
	}
	query := `
		INSERT INTO strategy_holdings (strategy_id, symbol, snapshot_ts, type, quantity, entry_price, leverage, unrealized_pnl, unrealized_pnl_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	batch := &pgx.Batch{}
	count := 0
	for symbol, pos := range view.Positions {
		ttype := string(pos.TradeType)
		if ttype == "" {
			if pos.Quantity < 0 {
				ttype = string(models.TradeTypeShort)
			} else {
				ttype = string(models.TradeTypeLong)
			}
		}
		var lev *float64
		if pos.Leverage > 0 {
			l := pos.Leverage
			lev = &l
		}
		avg := pos.AvgPrice
		upnl := pos.UnrealizedPnl
		upnlPct := pos.UnrealizedPnlPct
		batch.Queue(query,
			view.StrategyID, symbol, snapshotTs, ttype,
			dec(math.Abs(pos.Quantity)), nullDec(&avg), nullDec(lev),
			nullDec(&upnl), nullDec(&upnlPct),
		)
		count++
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < count; i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LatestPortfolioSnapshot returns the most recent snapshot rebuilt into a
// PortfolioView, positions included, or nil when the strategy has never
// been snapshotted. The runtime restores from it after a restart.
func (r *Repository) LatestPortfolioSnapshot(ctx context.Context, strategyID string) (*models.PortfolioView, error) {
	var (
		snapshotTs time.Time
		cash       decimal.Decimal
		totalValue decimal.Decimal
		upnl       decimal.NullDecimal
	)
	err := r.db.Pool.QueryRow(ctx, `
		SELECT snapshot_ts, cash, total_value, total_unrealized_pnl
		FROM strategy_portfolio_snapshots
		WHERE strategy_id = $1
		ORDER BY snapshot_ts DESC, id DESC
		LIMIT 1
	`, strategyID).Scan(&snapshotTs, &cash, &totalValue, &upnl)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	view := &models.PortfolioView{
		Ts:         snapshotTs.UnixMilli(),
		StrategyID: strategyID,
		FreeCash:   cash.InexactFloat64(),
		TotalValue: totalValue.InexactFloat64(),
		Positions:  make(map[string]models.PositionSnapshot),
	}
	if p := nullDecPtr(upnl); p != nil {
		view.TotalUnrealizedPnl = *p
	}

	holdings, err := r.holdingsAt(ctx, strategyID, snapshotTs)
	if err != nil {
		return nil, err
	}
	for _, h := range holdings {
		qty := h.Quantity
		if h.Type == string(models.TradeTypeShort) {
			qty = -qty
		}
		snap := models.PositionSnapshot{
			Instrument: models.InstrumentRef{Symbol: h.Symbol},
			Quantity:   qty,
			TradeType:  models.TradeType(h.Type),
		}
		if h.EntryPrice != nil {
			snap.AvgPrice = *h.EntryPrice
			snap.MarkPrice = *h.EntryPrice
		}
		if h.Leverage != nil {
			snap.Leverage = *h.Leverage
		}
		if h.UnrealizedPnl != nil {
			snap.UnrealizedPnl = *h.UnrealizedPnl
		}
		if h.UnrealizedPnlPct != nil {
			snap.UnrealizedPnlPct = *h.UnrealizedPnlPct
		}
		view.Positions[h.Symbol] = snap
	}
	return view, nil
}

// LatestHoldings returns the holdings rows of the most recent snapshot.
func (r *Repository) LatestHoldings(ctx context.Context, strategyID string) ([]*Holding, error) {
	var latest *time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT MAX(snapshot_ts) FROM strategy_holdings WHERE strategy_id = $1
	`, strategyID).Scan(&latest)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	return r.holdingsAt(ctx, strategyID, *latest)
}

func (r *Repository) holdingsAt(ctx context.Context, strategyID string, snapshotTs time.Time) ([]*Holding, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, strategy_id, symbol, snapshot_ts, type, quantity, entry_price, leverage, unrealized_pnl, unrealized_pnl_pct
		FROM strategy_holdings
		WHERE strategy_id = $1 AND snapshot_ts = $2
		ORDER BY symbol ASC
	`, strategyID, snapshotTs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Holding
	for rows.Next() {
		var (
			h        Holding
			quantity decimal.Decimal
			entry    decimal.NullDecimal
			leverage decimal.NullDecimal
			upnl     decimal.NullDecimal
			upnlPct  decimal.NullDecimal
		)
		if err := rows.Scan(&h.ID, &h.StrategyID, &h.Symbol, &h.SnapshotTs, &h.Type, &quantity, &entry, &leverage, &upnl, &upnlPct); err != nil {
			return nil, err
		}
		h.Quantity = quantity.InexactFloat64()
		h.EntryPrice = nullDecPtr(entry)
		h.Leverage = nullDecPtr(leverage)
		h.UnrealizedPnl = nullDecPtr(upnl)
		h.UnrealizedPnlPct = nullDecPtr(upnlPct)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// PortfolioHistory returns aggregated snapshots newest first.
func (r *Repository) PortfolioHistory(ctx context.Context, strategyID string, limit int) ([]*PortfolioSnapshot, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, strategy_id, snapshot_ts, cash, total_value, total_unrealized_pnl
		FROM strategy_portfolio_snapshots
		WHERE strategy_id = $1
		ORDER BY snapshot_ts DESC, id DESC
		LIMIT $2
	`, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PortfolioSnapshot
	for rows.Next() {
		var (
			p     PortfolioSnapshot
			cash  decimal.Decimal
			total decimal.Decimal
			upnl  decimal.NullDecimal
		)
		if err := rows.Scan(&p.ID, &p.StrategyID, &p.SnapshotTs, &cash, &total, &upnl); err != nil {
			return nil, err
		}
		p.Cash = cash.InexactFloat64()
		p.TotalValue = total.InexactFloat64()
		p.TotalUnrealizedPnl = nullDecPtr(upnl)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ============================================================================
// PROMPTS
// ============================================================================

// ListPrompts returns all prompt templates, most recently updated first.
func (r *Repository) ListPrompts(ctx context.Context) ([]*Prompt, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, name, content, created_at, updated_at
		FROM strategy_prompts
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetPrompt fetches one prompt template, or nil when unknown.
func (r *Repository) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	var p Prompt
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, content, created_at, updated_at
		FROM strategy_prompts
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePrompt inserts a new prompt template and returns it.
func (r *Repository) CreatePrompt(ctx context.Context, name, content string) (*Prompt, error) {
	var p Prompt
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO strategy_prompts (id, name, content)
		VALUES ($1, $2, $3)
		RETURNING id, name, content, created_at, updated_at
	`, uuid.NewString(), name, content).Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePrompt rewrites name and content. Returns the updated row, or
// nil when the id is unknown.
func (r *Repository) UpdatePrompt(ctx context.Context, id, name, content string) (*Prompt, error) {
	var p Prompt
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE strategy_prompts
		SET name = $2, content = $3
		WHERE id = $1
		RETURNING id, name, content, created_at, updated_at
	`, id, name, content).Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePrompt removes a prompt template. Returns whether a row existed.
func (r *Repository) DeletePrompt(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM strategy_prompts WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
