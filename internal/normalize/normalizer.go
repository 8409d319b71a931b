// Package normalize converts raw venue events to canonical records:
// BASE-QUOTE symbols, UTC millisecond timestamps and decimal strings.
package normalize

import (
	"fmt"
	"time"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/models"
	"github.com/quantfeed/quantfeed/internal/symbols"
)

// Normalizer is stateless; one instance serves the whole pipeline.
type Normalizer struct{}

// New creates a normalizer.
func New() *Normalizer { return &Normalizer{} }

// Record converts a raw event into its canonical record. The operation is
// idempotent: normalizing a canonical symbol or an already-UTC timestamp
// changes nothing.
func (n *Normalizer) Record(ev *exchange.RawEvent) (models.Record, error) {
	collected := ev.ReceivedAt
	if collected.IsZero() {
		collected = time.Now()
	}
	collected = models.UTCMillis(collected)

	switch ev.Kind {
	case models.DataTypeTrade:
		return n.trade(ev, collected)
	case models.DataTypeFundingRate:
		return n.funding(ev, collected)
	case models.DataTypeOpenInterest:
		return n.openInterest(ev, collected)
	case models.DataTypeLiquidation:
		return n.liquidation(ev, collected)
	case models.DataTypeLongShortRatio:
		return n.lsr(ev, collected)
	case models.DataTypeVolatilityIndex:
		return n.volIndex(ev, collected)
	default:
		return nil, fmt.Errorf("no normalization for data type %s", ev.Kind)
	}
}

// Snapshot finalizes an order-book snapshot produced by a manager. Managers
// already work in canonical symbols; only timestamps need sealing.
func (n *Normalizer) Snapshot(s *models.OrderBookSnapshot) *models.OrderBookSnapshot {
	s.EventTime = models.UTCMillis(n.eventTime(s.EventTime, s.CollectedAt))
	s.CollectedAt = models.UTCMillis(s.CollectedAt)
	s.SealTimestamps()
	return s
}

func (n *Normalizer) trade(ev *exchange.RawEvent, collected time.Time) (models.Record, error) {
	raw := ev.Trade
	sym, market, err := symbols.Canonical(raw.Symbol, ev.MarketType)
	if err != nil {
		return nil, err
	}
	t := &models.Trade{
		Exchange:    ev.Exchange,
		MarketType:  market,
		Symbol:      sym,
		TradeID:     raw.TradeID,
		Price:       raw.Price,
		Quantity:    raw.Quantity,
		Side:        raw.Side,
		IsMaker:     raw.IsMaker,
		EventTime:   models.UTCMillis(n.eventTime(raw.EventTime, collected)),
		CollectedAt: collected,
	}
	t.SealTimestamps()
	return t, nil
}

func (n *Normalizer) funding(ev *exchange.RawEvent, collected time.Time) (models.Record, error) {
	raw := ev.Funding
	sym, market, err := symbols.Canonical(raw.Symbol, ev.MarketType)
	if err != nil {
		return nil, err
	}
	f := &models.FundingRate{
		Exchange:    ev.Exchange,
		MarketType:  market,
		Symbol:      sym,
		Rate:        raw.Rate,
		FundingTime: models.UTCMillis(raw.FundingTime),
		EventTime:   models.UTCMillis(n.eventTime(raw.EventTime, collected)),
		CollectedAt: collected,
	}
	if raw.NextFundingTime != nil {
		next := models.UTCMillis(*raw.NextFundingTime)
		f.NextFundingTime = &next
	}
	f.SealTimestamps()
	return f, nil
}

func (n *Normalizer) openInterest(ev *exchange.RawEvent, collected time.Time) (models.Record, error) {
	raw := ev.OpenInterest
	sym, market, err := symbols.Canonical(raw.Symbol, ev.MarketType)
	if err != nil {
		return nil, err
	}
	o := &models.OpenInterest{
		Exchange:    ev.Exchange,
		MarketType:  market,
		Symbol:      sym,
		Contracts:   raw.Contracts,
		NotionalUSD: raw.NotionalUSD,
		EventTime:   models.UTCMillis(n.eventTime(raw.EventTime, collected)),
		CollectedAt: collected,
	}
	o.SealTimestamps()
	return o, nil
}

func (n *Normalizer) liquidation(ev *exchange.RawEvent, collected time.Time) (models.Record, error) {
	raw := ev.Liquidation
	sym, market, err := symbols.Canonical(raw.Symbol, ev.MarketType)
	if err != nil {
		return nil, err
	}
	l := &models.Liquidation{
		Exchange:      ev.Exchange,
		MarketType:    market,
		Symbol:        sym,
		Side:          raw.Side,
		Price:         raw.Price,
		Quantity:      raw.Quantity,
		LiquidationID: raw.LiquidationID,
		EventTime:     models.UTCMillis(n.eventTime(raw.EventTime, collected)),
		CollectedAt:   collected,
	}
	l.SealTimestamps()
	return l, nil
}

func (n *Normalizer) lsr(ev *exchange.RawEvent, collected time.Time) (models.Record, error) {
	raw := ev.LSR
	sym, market, err := symbols.Canonical(raw.Symbol, ev.MarketType)
	if err != nil {
		return nil, err
	}
	r := &models.LongShortRatio{
		Variant:     raw.Variant,
		Exchange:    ev.Exchange,
		MarketType:  market,
		Symbol:      sym,
		Ratio:       raw.Ratio,
		Period:      raw.Period,
		EventTime:   models.UTCMillis(n.eventTime(raw.EventTime, collected)),
		CollectedAt: collected,
	}
	r.SealTimestamps()
	return r, nil
}

func (n *Normalizer) volIndex(ev *exchange.RawEvent, collected time.Time) (models.Record, error) {
	raw := ev.VolIndex
	v := &models.VolatilityIndex{
		Exchange:    ev.Exchange,
		Currency:    raw.Currency,
		Value:       raw.Value,
		Resolution:  raw.Resolution,
		EventTime:   models.UTCMillis(n.eventTime(raw.EventTime, collected)),
		CollectedAt: collected,
	}
	v.SealTimestamps()
	return v, nil
}

// eventTime prefers the venue-provided event time, falling back to the
// collection wall clock when the venue omits it.
func (n *Normalizer) eventTime(event, collected time.Time) time.Time {
	if event.IsZero() {
		return collected
	}
	return event
}
