package models

// Defaults applied when a user request omits a value
const (
	DefaultInitialCapital = 100000.0
	DefaultMaxPositions   = 5
	DefaultMaxSymbols     = 5
	DefaultMaxLeverage    = 10.0
	DefaultCapFactor      = 1.5
	DefaultFeeBps         = 10.0
	DefaultDecideInterval = 60
)

// QuantityPrecision is the absolute tolerance for quantity comparisons.
// Deltas at or below this threshold are treated as zero.
const QuantityPrecision = 1e-9

// DefaultSlippageBps pads reference prices when estimating the cash an
// order will consume (buying-power clamps, margin prechecks) and is the
// fill slippage applied by the paper gateway.
const DefaultSlippageBps = 25.0
