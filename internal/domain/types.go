// Package domain holds the value types shared by every stage of the
// backtest pipeline. Everything here is plain data: the scorer, allocator
// and stepper produce new values instead of mutating old ones.
package domain

import "time"

// Side identifies which side of the book a position leg sits on.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// TradeDirection records what the leg did during the current period.
type TradeDirection string

const (
	TradeBuy  TradeDirection = "buy"
	TradeSell TradeDirection = "sell"
	TradeHold TradeDirection = "hold"
)

// QuantityChangeKind classifies how a leg's quantity moved between periods.
type QuantityChangeKind string

const (
	ChangeOpen     QuantityChangeKind = "open"
	ChangeIncrease QuantityChangeKind = "increase"
	ChangeDecrease QuantityChangeKind = "decrease"
	ChangeClose    QuantityChangeKind = "close"
	ChangeHold     QuantityChangeKind = "hold"
)

// FundingSample is one observation from a perpetual contract's funding
// history, ordered ascending by time within a RankingItem.
type FundingSample struct {
	Time      time.Time `json:"time"`
	Rate      float64   `json:"rate"`
	MarkPrice float64   `json:"mark_price"`
}

// RankingItem is one asset's row in a period's top-N ranking. The benchmark
// asset never appears here; ranks are 1-based and unique within the period.
type RankingItem struct {
	Symbol         string          `json:"symbol"`
	Rank           int             `json:"rank"`
	Change24h      float64         `json:"change_24h"`       // percent
	Volume24h      float64         `json:"volume_24h"`       // base units
	QuoteVolume24h float64         `json:"quote_volume_24h"` // quote units
	Volatility24h  float64         `json:"volatility_24h"`
	MarketShare    float64         `json:"market_share"`
	SpotPrice      float64         `json:"spot_price"`
	FuturesPrice   float64         `json:"futures_price,omitempty"`
	FuturesSymbol  string          `json:"futures_symbol,omitempty"`
	FundingHistory []FundingSample `json:"funding_history,omitempty"`
}

// LatestFunding returns the most recent funding sample, if any.
func (r RankingItem) LatestFunding() (FundingSample, bool) {
	if len(r.FundingHistory) == 0 {
		return FundingSample{}, false
	}
	return r.FundingHistory[len(r.FundingHistory)-1], true
}

// Candidate is a ranking item after scoring: four component scores in
// [0,1], the weighted total, and whether it passed the eligibility filter.
type Candidate struct {
	RankingItem

	PriceChangeScore float64 `json:"price_change_score"`
	VolumeScore      float64 `json:"volume_score"`
	VolatilityScore  float64 `json:"volatility_score"`
	FundingScore     float64 `json:"funding_score"`
	TotalScore       float64 `json:"total_score"`
	Eligible         bool    `json:"eligible"`
	Reason           string  `json:"reason,omitempty"`
}

// QuantityChange describes how a leg's size moved this period relative to
// the previous one.
type QuantityChange struct {
	Kind        QuantityChangeKind `json:"kind"`
	PreviousQty float64            `json:"previous_qty"`
	ChangePct   float64            `json:"change_pct"`
}

// PositionLeg is one independently tracked side of the portfolio: the long
// benchmark position or a single short. Fees are accrued per period:
// TradingFee is a cost and therefore non-positive, FundingFee is signed
// (a positive funding rate pays the short).
type PositionLeg struct {
	Symbol         string         `json:"symbol"`
	Side           Side           `json:"side"`
	Notional       float64        `json:"notional"`
	Quantity       float64        `json:"quantity"`
	EntryPrice     float64        `json:"entry_price"` // weighted average
	MarkPrice      float64        `json:"mark_price"`
	TradePrice     float64        `json:"trade_price,omitempty"`
	TradeDirection TradeDirection `json:"trade_direction"`
	TradedQty      float64        `json:"traded_qty"` // signed
	RealizedPnL    float64        `json:"realized_pnl"`
	UnrealizedPnL  float64        `json:"unrealized_pnl"`
	TradingFee     float64        `json:"trading_fee"` // <= 0
	FundingFee     float64        `json:"funding_fee"` // signed
	IsNew          bool           `json:"is_new"`
	IsClosed       bool           `json:"is_closed"`
	CloseReason    string         `json:"close_reason,omitempty"`
	Change         QuantityChange `json:"change"`
}

// MarketValue is the leg's current mark-to-market notional.
func (l PositionLeg) MarketValue() float64 {
	return l.Quantity * l.MarkPrice
}

// PortfolioSnapshot is the complete portfolio state at the end of one
// period. Snapshots are immutable once produced; each depends only on its
// immediate predecessor and the previous period's ranking data.
type PortfolioSnapshot struct {
	Timestamp          time.Time     `json:"timestamp"`
	BenchmarkPrice     float64       `json:"benchmark_price"`
	BenchmarkChange24h float64       `json:"benchmark_change_24h"`
	Long               *PositionLeg  `json:"long,omitempty"`
	Shorts             []PositionLeg `json:"shorts,omitempty"`
	Closed             []PositionLeg `json:"closed,omitempty"`
	CashBalance        float64       `json:"cash_balance"`
	TotalValue         float64       `json:"total_value"`
	PeriodPnL          float64       `json:"period_pnl"`
	CumulativePnL      float64       `json:"cumulative_pnl"`
	CumulativeFees     float64       `json:"cumulative_fees"`
	Active             bool          `json:"active"`
	InactiveReason     string        `json:"inactive_reason,omitempty"`
	Candidates         []Candidate   `json:"candidates,omitempty"`
}

// ShortUnrealized sums unrealized PnL across the short legs.
func (s PortfolioSnapshot) ShortUnrealized() float64 {
	var sum float64
	for _, leg := range s.Shorts {
		sum += leg.UnrealizedPnL
	}
	return sum
}

// ShortLeg returns the held short leg for symbol, if present.
func (s PortfolioSnapshot) ShortLeg(symbol string) (PositionLeg, bool) {
	for _, leg := range s.Shorts {
		if leg.Symbol == symbol {
			return leg, true
		}
	}
	return PositionLeg{}, false
}

// MarketDataPoint is one period's worth of upstream market data. The
// ranking excludes the benchmark asset; DroppedSymbols lists assets that
// fell out of the top-N this period so positions in them can still be
// priced on the way out.
type MarketDataPoint struct {
	Timestamp          time.Time     `json:"timestamp"`
	GranularityHours   float64       `json:"granularity_hours"`
	BenchmarkPrice     float64       `json:"benchmark_price"`
	BenchmarkChange24h float64       `json:"benchmark_change_24h"`
	IndexPrice         float64       `json:"index_price,omitempty"`
	IndexChange24h     float64       `json:"index_change_24h,omitempty"`
	Ranking            []RankingItem `json:"ranking"`
	DroppedSymbols     []string      `json:"dropped_symbols,omitempty"`
}

// RankingFor returns the ranking row for symbol, if present.
func (m MarketDataPoint) RankingFor(symbol string) (RankingItem, bool) {
	for _, item := range m.Ranking {
		if item.Symbol == symbol {
			return item, true
		}
	}
	return RankingItem{}, false
}
