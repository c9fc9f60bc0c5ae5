// Package execution turns normalized trade instructions into fills. The
// paper gateway simulates fills from snapshot prices; the live gateway
// submits real orders through the exchange client. Both honor the same
// contract: Execute never panics and never returns a hard error for a
// single bad instruction, it reports per-instruction status instead.
package execution

import (
	"context"

	"github.com/rs/zerolog"

	"strategy-agent/internal/models"
)

// Gateway executes instructions against a venue, real or simulated.
type Gateway interface {
	Execute(ctx context.Context, instructions []models.TradeInstruction, snapshot models.MarketSnapshot) []models.TxResult
	Close() error
}

// PaperGateway simulates execution: fills at the snapshot reference price
// adjusted by the instruction's slippage allowance, charges a flat fee on
// notional, and always fills in full when a price is known.
type PaperGateway struct {
	feeBps float64
	logger zerolog.Logger
}

// NewPaperGateway creates a simulated gateway charging feeBps per fill.
func NewPaperGateway(feeBps float64, logger zerolog.Logger) *PaperGateway {
	return &PaperGateway{feeBps: feeBps, logger: logger}
}

func (p *PaperGateway) Execute(_ context.Context, instructions []models.TradeInstruction, snapshot models.MarketSnapshot) []models.TxResult {
	results := make([]models.TxResult, 0, len(instructions))
	for _, inst := range instructions {
		ref := snapshot.RefPrice(inst.Instrument.Symbol)
		if ref <= 0 {
			p.logger.Warn().
				Str("instruction_id", inst.InstructionID).
				Str("symbol", inst.Instrument.Symbol).
				Msg("Paper fill rejected: no reference price")
			results = append(results, models.TxResult{
				InstructionID: inst.InstructionID,
				Instrument:    inst.Instrument,
				Side:          inst.Side,
				RequestedQty:  inst.Quantity,
				Status:        models.TxRejected,
				Reason:        "no_price",
			})
			continue
		}

		slip := inst.MaxSlippageBps / 10000.0
		execPrice := ref * (1 + slip)
		if inst.Side == models.SideSell {
			execPrice = ref * (1 - slip)
		}
		feeCost := execPrice * inst.Quantity * p.feeBps / 10000.0

		p.logger.Debug().
			Str("instruction_id", inst.InstructionID).
			Str("symbol", inst.Instrument.Symbol).
			Str("side", string(inst.Side)).
			Float64("qty", inst.Quantity).
			Float64("exec_price", execPrice).
			Msg("Paper fill")

		results = append(results, models.TxResult{
			InstructionID: inst.InstructionID,
			Instrument:    inst.Instrument,
			Side:          inst.Side,
			RequestedQty:  inst.Quantity,
			FilledQty:     inst.Quantity,
			AvgExecPrice:  execPrice,
			SlippageBps:   inst.MaxSlippageBps,
			FeeCost:       feeCost,
			Leverage:      inst.Leverage,
			Status:        models.TxFilled,
		})
	}
	return results
}

func (p *PaperGateway) Close() error { return nil }
