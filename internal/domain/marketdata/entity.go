package marketdata

// TradeTick is a single executed trade from the tape.
// IsAggressorSell is true when a market sell hit a resting buy order
// (sell-side aggression); false means buy-side aggression.
type TradeTick struct {
	Timestamp       int64   `json:"timestamp"` // unix milliseconds
	Price           float64 `json:"price"`
	Quantity        float64 `json:"quantity"`
	IsAggressorSell bool    `json:"is_aggressor_sell"`
}

// SignedQuantity returns +quantity for buy aggression, -quantity for sell aggression.
func (t TradeTick) SignedQuantity() float64 {
	if t.IsAggressorSell {
		return -t.Quantity
	}
	return t.Quantity
}

// PriceLevel is one (price, quantity) entry of an orderbook side.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderbookSnapshot is a full top-N view of the book at one instant.
// Bids are ordered descending by price, asks ascending. Snapshots are
// immutable once received; each one replaces the previous view rather
// than patching it.
type OrderbookSnapshot struct {
	Timestamp int64        `json:"timestamp"` // unix milliseconds
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid, or false when the bid side is empty.
func (s OrderbookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the ask side is empty.
func (s OrderbookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// BidVolume sums quantity over all visible bid levels.
func (s OrderbookSnapshot) BidVolume() float64 {
	total := 0.0
	for _, l := range s.Bids {
		total += l.Quantity
	}
	return total
}

// AskVolume sums quantity over all visible ask levels.
func (s OrderbookSnapshot) AskVolume() float64 {
	total := 0.0
	for _, l := range s.Asks {
		total += l.Quantity
	}
	return total
}

// MidPrice returns the bid/ask midpoint, or 0 when either side is empty.
func (s OrderbookSnapshot) MidPrice() float64 {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Bar represents one OHLCV candle. Bars are append-only within a session.
type Bar struct {
	Time   int64   `json:"time"` // unix milliseconds of bar open
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}
