package models

import (
	"strconv"
	"time"
)

// MarketType distinguishes spot from perpetual (swap/futures) markets.
type MarketType string

const (
	MarketSpot      MarketType = "spot"
	MarketPerpetual MarketType = "perpetual"
)

// DataType enumerates the canonical record kinds flowing through the pipeline.
type DataType string

const (
	DataTypeTrade           DataType = "trade"
	DataTypeOrderBook       DataType = "orderbook"
	DataTypeFundingRate     DataType = "funding-rate"
	DataTypeOpenInterest    DataType = "open-interest"
	DataTypeLiquidation     DataType = "liquidation"
	DataTypeLongShortRatio  DataType = "lsr"
	DataTypeVolatilityIndex DataType = "volatility-index"
)

// Side is the taker side of a trade or liquidation.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// LSRVariant distinguishes the two long/short ratio flavours venues publish.
type LSRVariant string

const (
	LSRTopPosition LSRVariant = "top_position"
	LSRAllAccount  LSRVariant = "all_account"
)

// SchemaVersion is stamped into every bus envelope header.
const SchemaVersion = "1"

// Trade is a canonical executed trade. Decimal fields cross boundaries as
// fixed-precision strings to avoid float drift.
type Trade struct {
	Exchange    string     `json:"exchange"`
	MarketType  MarketType `json:"market_type"`
	Symbol      string     `json:"symbol"`
	TradeID     string     `json:"trade_id"`
	Price       string     `json:"price"`
	Quantity    string     `json:"quantity"`
	Side        Side       `json:"side"`
	IsMaker     *bool      `json:"is_maker,omitempty"`
	EventTime   time.Time  `json:"-"`
	CollectedAt time.Time  `json:"-"`

	Timestamp     string `json:"timestamp"`
	CollectedAtMS string `json:"collected_at"`
}

// PriceLevel is a single order-book level. Price and Quantity are decimal
// strings exactly as normalized from the venue.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// OrderBookUpdate is the internal diff representation handed from venue
// adapters to the order-book manager. It never reaches the bus.
type OrderBookUpdate struct {
	Exchange      string
	MarketType    MarketType
	Symbol        string
	FirstUpdateID int64
	LastUpdateID  int64
	// PrevUpdateID is the venue's previous-sequence pointer where provided
	// (OKX prevSeqId); -1 signals an explicit venue reset.
	PrevUpdateID *int64
	Bids         []PriceLevel
	Asks         []PriceLevel
	// Checksum is the venue CRC over the top of the book, when provided.
	Checksum *int32
	// IsSnapshot marks a full-book message (OKX first message of a subscription).
	IsSnapshot bool
	EventTime  time.Time
}

// OrderBookSnapshot is the published top-N view of a synchronized book.
type OrderBookSnapshot struct {
	Exchange     string       `json:"exchange"`
	MarketType   MarketType   `json:"market_type"`
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"last_update_id"`
	BestBid      string       `json:"best_bid"`
	BestAsk      string       `json:"best_ask"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	EventTime    time.Time    `json:"-"`
	CollectedAt  time.Time    `json:"-"`

	Timestamp     string `json:"timestamp"`
	CollectedAtMS string `json:"collected_at"`
}

// FundingRate is a perpetual funding rate observation.
type FundingRate struct {
	Exchange        string     `json:"exchange"`
	MarketType      MarketType `json:"market_type"`
	Symbol          string     `json:"symbol"`
	Rate            string     `json:"rate"`
	FundingTime     time.Time  `json:"-"`
	NextFundingTime *time.Time `json:"-"`
	EventTime       time.Time  `json:"-"`
	CollectedAt     time.Time  `json:"-"`

	FundingTimeMS     string `json:"funding_time"`
	NextFundingTimeMS string `json:"next_funding_time,omitempty"`
	Timestamp         string `json:"timestamp"`
	CollectedAtMS     string `json:"collected_at"`
}

// OpenInterest is an outstanding-contracts observation for a derivative.
type OpenInterest struct {
	Exchange    string     `json:"exchange"`
	MarketType  MarketType `json:"market_type"`
	Symbol      string     `json:"symbol"`
	Contracts   string     `json:"contracts"`
	NotionalUSD string     `json:"notional_usd,omitempty"`
	EventTime   time.Time  `json:"-"`
	CollectedAt time.Time  `json:"-"`

	Timestamp     string `json:"timestamp"`
	CollectedAtMS string `json:"collected_at"`
}

// Liquidation is a forced close of a leveraged position.
type Liquidation struct {
	Exchange      string     `json:"exchange"`
	MarketType    MarketType `json:"market_type"`
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Price         string     `json:"price"`
	Quantity      string     `json:"quantity"`
	LiquidationID string     `json:"liquidation_id,omitempty"`
	EventTime     time.Time  `json:"-"`
	CollectedAt   time.Time  `json:"-"`

	Timestamp     string `json:"timestamp"`
	CollectedAtMS string `json:"collected_at"`
}

// LongShortRatio summarizes market positioning for one variant and period.
type LongShortRatio struct {
	Variant     LSRVariant `json:"variant"`
	Exchange    string     `json:"exchange"`
	MarketType  MarketType `json:"market_type"`
	Symbol      string     `json:"symbol"`
	Ratio       string     `json:"ratio"`
	Period      string     `json:"period"`
	EventTime   time.Time  `json:"-"`
	CollectedAt time.Time  `json:"-"`

	Timestamp     string `json:"timestamp"`
	CollectedAtMS string `json:"collected_at"`
}

// VolatilityIndex is a venue-computed implied-volatility indicator.
type VolatilityIndex struct {
	Exchange    string    `json:"exchange"`
	Currency    string    `json:"currency"`
	Value       string    `json:"value"`
	Resolution  string    `json:"resolution"`
	EventTime   time.Time `json:"-"`
	CollectedAt time.Time `json:"-"`

	Timestamp     string `json:"timestamp"`
	CollectedAtMS string `json:"collected_at"`
}

// Record is implemented by every canonical kind that can be published.
type Record interface {
	// Kind returns the record's data type.
	Kind() DataType
	// Fingerprint returns the minimal identity used for publisher dedup.
	Fingerprint() string
	// SealTimestamps freezes EventTime/CollectedAt into wire-format strings.
	SealTimestamps()
}

func (t *Trade) Kind() DataType             { return DataTypeTrade }
func (s *OrderBookSnapshot) Kind() DataType { return DataTypeOrderBook }
func (f *FundingRate) Kind() DataType       { return DataTypeFundingRate }
func (o *OpenInterest) Kind() DataType      { return DataTypeOpenInterest }
func (l *Liquidation) Kind() DataType       { return DataTypeLiquidation }
func (r *LongShortRatio) Kind() DataType    { return DataTypeLongShortRatio }
func (v *VolatilityIndex) Kind() DataType   { return DataTypeVolatilityIndex }

func (t *Trade) Fingerprint() string {
	return string(DataTypeTrade) + "|" + t.Exchange + "|" + string(t.MarketType) + "|" + t.Symbol + "|" + t.TradeID
}

func (s *OrderBookSnapshot) Fingerprint() string {
	return string(DataTypeOrderBook) + "|" + s.Exchange + "|" + string(s.MarketType) + "|" + s.Symbol + "|" + strconv.FormatInt(s.LastUpdateID, 10)
}

func (f *FundingRate) Fingerprint() string {
	return string(DataTypeFundingRate) + "|" + f.Exchange + "|" + f.Symbol + "|" + FormatBusTime(f.FundingTime)
}

func (o *OpenInterest) Fingerprint() string {
	return string(DataTypeOpenInterest) + "|" + o.Exchange + "|" + o.Symbol + "|" + FormatBusTime(o.EventTime)
}

func (l *Liquidation) Fingerprint() string {
	if l.LiquidationID != "" {
		return string(DataTypeLiquidation) + "|" + l.Exchange + "|" + l.Symbol + "|" + l.LiquidationID
	}
	return string(DataTypeLiquidation) + "|" + l.Exchange + "|" + l.Symbol + "|" + l.Price + "|" + l.Quantity + "|" + FormatBusTime(l.EventTime)
}

func (r *LongShortRatio) Fingerprint() string {
	return string(DataTypeLongShortRatio) + "|" + string(r.Variant) + "|" + r.Exchange + "|" + r.Symbol + "|" + r.Period + "|" + FormatBusTime(r.EventTime)
}

func (v *VolatilityIndex) Fingerprint() string {
	return string(DataTypeVolatilityIndex) + "|" + v.Exchange + "|" + v.Currency + "|" + FormatBusTime(v.EventTime)
}

func (t *Trade) SealTimestamps() {
	t.Timestamp = FormatBusTime(t.EventTime)
	t.CollectedAtMS = FormatBusTime(t.CollectedAt)
}

func (s *OrderBookSnapshot) SealTimestamps() {
	s.Timestamp = FormatBusTime(s.EventTime)
	s.CollectedAtMS = FormatBusTime(s.CollectedAt)
}

func (f *FundingRate) SealTimestamps() {
	f.FundingTimeMS = FormatBusTime(f.FundingTime)
	if f.NextFundingTime != nil {
		f.NextFundingTimeMS = FormatBusTime(*f.NextFundingTime)
	}
	f.Timestamp = FormatBusTime(f.EventTime)
	f.CollectedAtMS = FormatBusTime(f.CollectedAt)
}

func (o *OpenInterest) SealTimestamps() {
	o.Timestamp = FormatBusTime(o.EventTime)
	o.CollectedAtMS = FormatBusTime(o.CollectedAt)
}

func (l *Liquidation) SealTimestamps() {
	l.Timestamp = FormatBusTime(l.EventTime)
	l.CollectedAtMS = FormatBusTime(l.CollectedAt)
}

func (r *LongShortRatio) SealTimestamps() {
	r.Timestamp = FormatBusTime(r.EventTime)
	r.CollectedAtMS = FormatBusTime(r.CollectedAt)
}

func (v *VolatilityIndex) SealTimestamps() {
	v.Timestamp = FormatBusTime(v.EventTime)
	v.CollectedAtMS = FormatBusTime(v.CollectedAt)
}
