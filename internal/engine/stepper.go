// Package engine implements the portfolio state machine at the heart of
// the backtest: a pure fold that advances the previous portfolio snapshot
// with one period's market data, plus the runner that drives the full
// pipeline. Every numeric path is total; degenerate inputs are normalized
// to safe defaults and logged, never raised.
package engine

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantfade/altshort/internal/allocation"
	"github.com/quantfade/altshort/internal/config"
	"github.com/quantfade/altshort/internal/domain"
	"github.com/quantfade/altshort/internal/scoring"
)

// Close reasons recorded on short legs forced out of the book.
const (
	CloseReasonDeselected    = "deselected"
	CloseReasonMacroGate     = "macro gate forced exit"
	CloseReasonShortDisabled = "short side disabled"
	CloseReasonLongDisabled  = "long side disabled"
)

// Inactivity reasons recorded on snapshots that end without short exposure.
const (
	InactiveNoCandidates  = "no candidate meets the price condition"
	InactiveMacroGate     = "macro gate active"
	InactiveShortDisabled = "short side disabled"
	InactiveNoExposure    = "no short exposure"
)

// qtyEpsilon separates a real rebalance from floating-point noise.
const qtyEpsilon = 1e-9

// Stepper folds portfolio snapshots forward under an immutable parameter
// set. It holds no mutable state: Step(prev, data, prevData, sel) depends
// only on its arguments, so re-running it on identical input yields
// bit-identical snapshots.
type Stepper struct {
	params config.StrategyParameters
}

// NewStepper creates a stepper for the given parameters.
func NewStepper(params config.StrategyParameters) *Stepper {
	return &Stepper{params: params}
}

// Step produces the next snapshot from the previous one (nil on the first
// period), the current period's market data, the previous period's data
// (for funding settlement), and the period's candidate selection.
func (st *Stepper) Step(prev *domain.PortfolioSnapshot, data domain.MarketDataPoint, prevData *domain.MarketDataPoint, sel scoring.Selection) domain.PortfolioSnapshot {
	p := st.params

	cash := p.InitialCapital
	prevTotal := p.InitialCapital
	var prevLong *domain.PositionLeg
	var prevShorts []domain.PositionLeg
	if prev != nil {
		cash = prev.CashBalance
		prevTotal = prev.TotalValue
		prevLong = prev.Long
		prevShorts = prev.Shorts
	}

	benchPrice := data.BenchmarkPrice
	if !isFinite(benchPrice) || benchPrice <= 0 {
		if prevLong != nil {
			benchPrice = prevLong.MarkPrice
		} else {
			benchPrice = 0
		}
		log.Warn().Time("period", data.Timestamp).Msg("missing benchmark price, using previous mark")
	}

	// Pre-trade portfolio value: the sizing basis for both legs.
	interim := cash
	if prevLong != nil {
		interim += prevLong.Quantity * benchPrice
	}
	for i := range prevShorts {
		leg := &prevShorts[i]
		interim += leg.Quantity * (leg.EntryPrice - st.markFor(*leg, data))
	}

	gate := evaluateGate(p.MacroGate, data.Timestamp)
	if gate.Triggered {
		log.Debug().Time("period", data.Timestamp).Float64("value", gate.Value).
			Float64("threshold", p.MacroGate.Threshold).Msg("macro gate triggered, short side suppressed")
	}

	// Target allocations for the short basket.
	var allocs []allocation.Allocation
	if p.EnableShort && !gate.Triggered {
		pool := interim
		if p.EnableLong {
			pool = interim * (1 - p.LongRatio)
		}
		if pool > 0 {
			allocs = allocation.Allocate(sel.Selected, pool, p)
		}
	}
	targets := make(map[string]float64, len(allocs))
	for _, a := range allocs {
		targets[a.Symbol] = a.Notional
	}

	var shorts, closed []domain.PositionLeg
	var tradingFees, fundingPaid float64

	// Roll every short held last period forward: close, resize, or hold.
	for i := range prevShorts {
		held := prevShorts[i]
		mark := st.markFor(held, data)
		funding := st.settleFunding(held, prevData, mark)
		cash += funding
		if funding < 0 {
			fundingPaid += -funding
		}

		targetNotional, keep := targets[held.Symbol]
		if !keep {
			leg := st.closeShort(held, mark, funding, st.shortCloseReason(gate))
			cash += leg.RealizedPnL + leg.TradingFee
			tradingFees += -leg.TradingFee
			closed = append(closed, leg)
			continue
		}

		leg := st.resizeShort(held, mark, targetNotional, funding)
		cash += leg.RealizedPnL + leg.TradingFee
		tradingFees += -leg.TradingFee
		shorts = append(shorts, leg)
	}

	// Open fresh shorts for newly selected symbols. Funding starts the
	// following period.
	for _, a := range allocs {
		if _, heldBefore := heldShort(prevShorts, a.Symbol); heldBefore {
			continue
		}
		item, ok := data.RankingFor(a.Symbol)
		if !ok {
			continue
		}
		mark := itemMark(item)
		if mark <= 0 {
			log.Warn().Str("symbol", a.Symbol).Msg("no usable price for new short, skipping open")
			continue
		}
		qty := a.Notional / mark
		fee := p.FuturesFeeRate * a.Notional
		cash -= fee
		tradingFees += fee
		shorts = append(shorts, domain.PositionLeg{
			Symbol:         a.Symbol,
			Side:           domain.SideShort,
			Notional:       a.Notional,
			Quantity:       qty,
			EntryPrice:     mark,
			MarkPrice:      mark,
			TradePrice:     mark,
			TradeDirection: domain.TradeSell,
			TradedQty:      qty,
			TradingFee:     -fee,
			IsNew:          true,
			Change:         domain.QuantityChange{Kind: domain.ChangeOpen},
		})
	}

	// Long leg: mark-to-market settlement plus rebalance to target.
	var longLeg *domain.PositionLeg
	if p.EnableLong {
		leg, cashDelta, fee := st.stepLong(prevLong, benchPrice, interim*p.LongRatio)
		cash += cashDelta
		tradingFees += fee
		longLeg = leg
	} else if prevLong != nil {
		leg := *prevLong
		proceeds := leg.Quantity * benchPrice
		fee := p.SpotFeeRate * proceeds
		cash += proceeds - fee
		tradingFees += fee
		leg.RealizedPnL = leg.Quantity * (benchPrice - leg.MarkPrice)
		leg.UnrealizedPnL = 0
		leg.MarkPrice = benchPrice
		leg.TradePrice = benchPrice
		leg.TradeDirection = domain.TradeSell
		leg.TradedQty = -leg.Quantity
		leg.TradingFee = -fee
		leg.Notional = 0
		leg.IsClosed = true
		leg.CloseReason = CloseReasonLongDisabled
		leg.Change = domain.QuantityChange{Kind: domain.ChangeClose, PreviousQty: leg.Quantity, ChangePct: -100}
		leg.Quantity = 0
		closed = append(closed, leg)
	}

	var longMV float64
	if longLeg != nil {
		longMV = longLeg.MarketValue()
	}
	var shortUnreal float64
	for i := range shorts {
		shortUnreal += shorts[i].UnrealizedPnL
	}
	total := cash + longMV + shortUnreal

	snap := domain.PortfolioSnapshot{
		Timestamp:          data.Timestamp,
		BenchmarkPrice:     benchPrice,
		BenchmarkChange24h: data.BenchmarkChange24h,
		Long:               longLeg,
		Shorts:             shorts,
		Closed:             closed,
		CashBalance:        cash,
		TotalValue:         total,
		PeriodPnL:          total - prevTotal,
		CumulativePnL:      total - p.InitialCapital,
		CumulativeFees:     tradingFees + fundingPaid,
		Active:             len(shorts) > 0,
		Candidates:         sel.All(),
	}
	if prev != nil {
		snap.CumulativeFees += prev.CumulativeFees
	}
	if !snap.Active {
		snap.InactiveReason = st.inactiveReason(gate, sel)
	}
	return snap
}

// stepLong settles the held quantity's mark move and rebalances the leg to
// the target notional. Returns the leg, the cash delta (trades net of
// fees), and the absolute trading fee.
func (st *Stepper) stepLong(prevLong *domain.PositionLeg, price, targetNotional float64) (*domain.PositionLeg, float64, float64) {
	p := st.params
	if price <= 0 {
		if prevLong == nil {
			return nil, 0, 0
		}
		held := *prevLong
		return &held, 0, 0
	}
	if targetNotional < 0 {
		targetNotional = 0
	}

	var prevQty, prevMark, entry float64
	if prevLong != nil {
		prevQty = prevLong.Quantity
		prevMark = prevLong.MarkPrice
		entry = prevLong.EntryPrice
	}
	targetQty := targetNotional / price
	if prevQty == 0 && targetQty <= qtyEpsilon {
		return nil, 0, 0
	}

	leg := domain.PositionLeg{
		Symbol:         "benchmark",
		Side:           domain.SideLong,
		Quantity:       targetQty,
		MarkPrice:      price,
		EntryPrice:     entry,
		TradeDirection: domain.TradeHold,
		// Daily settlement: the held quantity realizes this period's move.
		RealizedPnL: prevQty * (price - prevMark),
		Change:      domain.QuantityChange{Kind: domain.ChangeHold, PreviousQty: prevQty},
	}
	if prevLong != nil {
		leg.Symbol = prevLong.Symbol
	}

	var cashDelta, fee float64
	delta := targetQty - prevQty
	switch {
	case delta > qtyEpsilon:
		cost := delta * price
		fee = p.SpotFeeRate * cost
		cashDelta = -(cost + fee)
		if targetQty > 0 {
			leg.EntryPrice = (prevQty*entry + delta*price) / targetQty
		}
		leg.TradePrice = price
		leg.TradeDirection = domain.TradeBuy
		leg.TradedQty = delta
		if prevQty == 0 {
			leg.IsNew = true
			leg.Change.Kind = domain.ChangeOpen
		} else {
			leg.Change.Kind = domain.ChangeIncrease
			leg.Change.ChangePct = delta / prevQty * 100
		}
	case delta < -qtyEpsilon:
		proceeds := -delta * price
		fee = p.SpotFeeRate * proceeds
		cashDelta = proceeds - fee
		leg.TradePrice = price
		leg.TradeDirection = domain.TradeSell
		leg.TradedQty = delta
		leg.Change.Kind = domain.ChangeDecrease
		if prevQty > 0 {
			leg.Change.ChangePct = delta / prevQty * 100
		}
	default:
		leg.Quantity = prevQty
	}

	leg.TradingFee = -fee
	leg.Notional = leg.Quantity * price
	leg.UnrealizedPnL = leg.Quantity * (price - leg.EntryPrice)
	return &leg, cashDelta, fee
}

// closeShort settles a short leg out of the book at the given mark.
func (st *Stepper) closeShort(held domain.PositionLeg, mark, funding float64, reason string) domain.PositionLeg {
	exitNotional := held.Quantity * mark
	fee := st.params.FuturesFeeRate * exitNotional
	leg := held
	leg.MarkPrice = mark
	leg.TradePrice = mark
	leg.TradeDirection = domain.TradeBuy
	leg.TradedQty = -held.Quantity
	leg.RealizedPnL = held.Quantity * (held.EntryPrice - mark)
	leg.UnrealizedPnL = 0
	leg.TradingFee = -fee
	leg.FundingFee = funding
	leg.Notional = 0
	leg.IsNew = false
	leg.IsClosed = true
	leg.CloseReason = reason
	leg.Change = domain.QuantityChange{Kind: domain.ChangeClose, PreviousQty: held.Quantity, ChangePct: -100}
	leg.Quantity = 0
	return leg
}

// resizeShort moves a held short toward its target notional: growth blends
// the weighted-average entry, reduction realizes PnL for the reduced
// quantity and keeps the entry price.
func (st *Stepper) resizeShort(held domain.PositionLeg, mark, targetNotional, funding float64) domain.PositionLeg {
	p := st.params
	leg := held
	leg.MarkPrice = mark
	leg.TradeDirection = domain.TradeHold
	leg.TradePrice = 0
	leg.TradedQty = 0
	leg.RealizedPnL = 0
	leg.TradingFee = 0
	leg.FundingFee = funding
	leg.IsNew = false
	leg.Change = domain.QuantityChange{Kind: domain.ChangeHold, PreviousQty: held.Quantity}

	targetQty := held.Quantity
	if mark > 0 {
		targetQty = targetNotional / mark
	}
	delta := targetQty - held.Quantity
	switch {
	case delta > qtyEpsilon:
		addNotional := delta * mark
		fee := p.FuturesFeeRate * addNotional
		leg.Quantity = targetQty
		leg.EntryPrice = (held.Quantity*held.EntryPrice + delta*mark) / targetQty
		leg.TradePrice = mark
		leg.TradeDirection = domain.TradeSell
		leg.TradedQty = delta
		leg.TradingFee = -fee
		leg.Change.Kind = domain.ChangeIncrease
		leg.Change.ChangePct = delta / held.Quantity * 100
	case delta < -qtyEpsilon:
		reduced := -delta
		fee := p.FuturesFeeRate * reduced * mark
		leg.Quantity = targetQty
		leg.TradePrice = mark
		leg.TradeDirection = domain.TradeBuy
		leg.TradedQty = delta
		leg.RealizedPnL = reduced * (held.EntryPrice - mark)
		leg.TradingFee = -fee
		leg.Change.Kind = domain.ChangeDecrease
		leg.Change.ChangePct = delta / held.Quantity * 100
	}

	leg.Notional = leg.Quantity * mark
	leg.UnrealizedPnL = leg.Quantity * (leg.EntryPrice - mark)
	return leg
}

// settleFunding computes the funding cash flow for a leg held from the
// previous period, from that period's latest funding sample. Positive
// rates pay the short. Missing samples settle nothing.
func (st *Stepper) settleFunding(held domain.PositionLeg, prevData *domain.MarketDataPoint, currentMark float64) float64 {
	if prevData == nil {
		return 0
	}
	item, ok := prevData.RankingFor(held.Symbol)
	if !ok {
		return 0
	}
	sample, ok := item.LatestFunding()
	if !ok {
		return 0
	}
	rate := sample.Rate
	if !isFinite(rate) {
		log.Warn().Str("symbol", held.Symbol).Msg("non-finite funding rate, settling 0")
		return 0
	}
	effMark := sample.MarkPrice
	if !isFinite(effMark) || effMark <= 0 {
		effMark = currentMark
	}
	return held.Quantity * effMark * rate
}

// markFor resolves a short leg's current mark price, preferring the
// futures price, then the spot price, then the leg's previous mark when
// the symbol dropped out of the ranking.
func (st *Stepper) markFor(held domain.PositionLeg, data domain.MarketDataPoint) float64 {
	if item, ok := data.RankingFor(held.Symbol); ok {
		if m := itemMark(item); m > 0 {
			return m
		}
	}
	return held.MarkPrice
}

func (st *Stepper) shortCloseReason(gate GateDecision) string {
	switch {
	case gate.Triggered:
		return CloseReasonMacroGate
	case !st.params.EnableShort:
		return CloseReasonShortDisabled
	default:
		return CloseReasonDeselected
	}
}

func (st *Stepper) inactiveReason(gate GateDecision, sel scoring.Selection) string {
	switch {
	case gate.Triggered:
		return InactiveMacroGate
	case !st.params.EnableShort:
		return InactiveShortDisabled
	case len(sel.Selected) == 0:
		return InactiveNoCandidates
	default:
		return InactiveNoExposure
	}
}

// heldShort returns the short leg for symbol among the previous period's
// legs, if present.
func heldShort(legs []domain.PositionLeg, symbol string) (domain.PositionLeg, bool) {
	for _, leg := range legs {
		if leg.Symbol == symbol {
			return leg, true
		}
	}
	return domain.PositionLeg{}, false
}

func itemMark(item domain.RankingItem) float64 {
	if isFinite(item.FuturesPrice) && item.FuturesPrice > 0 {
		return item.FuturesPrice
	}
	if isFinite(item.SpotPrice) && item.SpotPrice > 0 {
		return item.SpotPrice
	}
	return 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
