package storage

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantfeed/quantfeed/internal/models"
)

// insertColumns lists each table's column order for batched inserts.
var insertColumns = map[string]string{
	"trades":           "exchange, market_type, symbol, trade_id, price, quantity, side, is_maker, timestamp, collected_at",
	"orderbooks":       "exchange, market_type, symbol, last_update_id, best_bid, best_ask, bids, asks, timestamp, collected_at",
	"funding_rates":    "exchange, market_type, symbol, rate, funding_time, next_funding_time, timestamp, collected_at",
	"open_interest":    "exchange, market_type, symbol, contracts, notional_usd, timestamp, collected_at",
	"liquidations":     "exchange, market_type, symbol, side, price, quantity, liquidation_id, timestamp, collected_at",
	"long_short_ratio": "exchange, market_type, symbol, variant, ratio, period, timestamp, collected_at",
	"volatility_index": "exchange, currency, value, resolution, timestamp, collected_at",
}

// DecodeRow converts one bus payload into its table's column values, in
// insertColumns order.
func DecodeRow(kind models.DataType, payload []byte) ([]interface{}, error) {
	switch kind {
	case models.DataTypeTrade:
		var t models.Trade
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		ts, col, err := rowTimes(t.Timestamp, t.CollectedAtMS)
		if err != nil {
			return nil, err
		}
		return []interface{}{
			t.Exchange, string(t.MarketType), t.Symbol, t.TradeID,
			t.Price, t.Quantity, string(t.Side), t.IsMaker, ts, col,
		}, nil

	case models.DataTypeOrderBook:
		var s models.OrderBookSnapshot
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("decode orderbook: %w", err)
		}
		ts, col, err := rowTimes(s.Timestamp, s.CollectedAtMS)
		if err != nil {
			return nil, err
		}
		bids, err := json.Marshal(s.Bids)
		if err != nil {
			return nil, fmt.Errorf("encode bids: %w", err)
		}
		asks, err := json.Marshal(s.Asks)
		if err != nil {
			return nil, fmt.Errorf("encode asks: %w", err)
		}
		return []interface{}{
			s.Exchange, string(s.MarketType), s.Symbol, s.LastUpdateID,
			s.BestBid, s.BestAsk, string(bids), string(asks), ts, col,
		}, nil

	case models.DataTypeFundingRate:
		var f models.FundingRate
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("decode funding rate: %w", err)
		}
		ts, col, err := rowTimes(f.Timestamp, f.CollectedAtMS)
		if err != nil {
			return nil, err
		}
		ft, err := models.ParseBusTime(f.FundingTimeMS)
		if err != nil {
			return nil, err
		}
		var next *time.Time
		if f.NextFundingTimeMS != "" {
			n, err := models.ParseBusTime(f.NextFundingTimeMS)
			if err != nil {
				return nil, err
			}
			next = &n
		}
		return []interface{}{
			f.Exchange, string(f.MarketType), f.Symbol, f.Rate, ft, next, ts, col,
		}, nil

	case models.DataTypeOpenInterest:
		var o models.OpenInterest
		if err := json.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("decode open interest: %w", err)
		}
		ts, col, err := rowTimes(o.Timestamp, o.CollectedAtMS)
		if err != nil {
			return nil, err
		}
		return []interface{}{
			o.Exchange, string(o.MarketType), o.Symbol, o.Contracts, o.NotionalUSD, ts, col,
		}, nil

	case models.DataTypeLiquidation:
		var l models.Liquidation
		if err := json.Unmarshal(payload, &l); err != nil {
			return nil, fmt.Errorf("decode liquidation: %w", err)
		}
		ts, col, err := rowTimes(l.Timestamp, l.CollectedAtMS)
		if err != nil {
			return nil, err
		}
		return []interface{}{
			l.Exchange, string(l.MarketType), l.Symbol, string(l.Side),
			l.Price, l.Quantity, l.LiquidationID, ts, col,
		}, nil

	case models.DataTypeLongShortRatio:
		var r models.LongShortRatio
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode long/short ratio: %w", err)
		}
		ts, col, err := rowTimes(r.Timestamp, r.CollectedAtMS)
		if err != nil {
			return nil, err
		}
		return []interface{}{
			r.Exchange, string(r.MarketType), r.Symbol, string(r.Variant), r.Ratio, r.Period, ts, col,
		}, nil

	case models.DataTypeVolatilityIndex:
		var v models.VolatilityIndex
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode volatility index: %w", err)
		}
		ts, col, err := rowTimes(v.Timestamp, v.CollectedAtMS)
		if err != nil {
			return nil, err
		}
		return []interface{}{
			v.Exchange, v.Currency, v.Value, v.Resolution, ts, col,
		}, nil
	}
	return nil, fmt.Errorf("no table mapping for data type %s", kind)
}

func rowTimes(timestamp, collectedAt string) (time.Time, time.Time, error) {
	ts, err := models.ParseBusTime(timestamp)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	col, err := models.ParseBusTime(collectedAt)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return ts, col, nil
}
