package models

// Side represents the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide maps broker side spellings onto Side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "LONG", "long", "BUY", "buy", "Buy":
		return SideLong, true
	case "SHORT", "short", "SELL", "sell", "Sell":
		return SideShort, true
	}
	return "", false
}

// OpenPosition is a raw row returned by the open-trades source.
type OpenPosition struct {
	Symbol             string
	Size               float64
	Side               string
	EntryPrice         float64
	CurrentPrice       float64
	StopLoss           *float64
	TakeProfit         *float64
	TakeProfitValueUSD *float64
	StopLossRatio      *float64
	PnLUSD             *float64
	EntryTime          int64
	Precision          int
}

// TradeSnapshot is the open trade the chart annotates.
type TradeSnapshot struct {
	Symbol             string   `json:"symbol"`
	Side               Side     `json:"side"`
	EntryPrice         float64  `json:"entry_price"`
	CurrentPrice       float64  `json:"current_price"`
	StopLoss           *float64 `json:"stop_loss,omitempty"`
	TakeProfit         *float64 `json:"take_profit,omitempty"`
	TakeProfitValueUSD *float64 `json:"take_profit_value_usd,omitempty"`
	StopLossRatio      *float64 `json:"stop_loss_ratio,omitempty"`
	CurrentPnLUSD      *float64 `json:"current_pnl_usd,omitempty"`
	EntryTime          int64    `json:"entry_time,omitempty"`
	Precision          int      `json:"precision"`
}

// Float returns a pointer to v, for optional snapshot fields.
func Float(v float64) *float64 {
	return &v
}
