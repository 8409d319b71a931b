package publish

import (
	"strings"

	"github.com/quantfeed/quantfeed/internal/models"
)

// Subject templates are dot-separated hierarchies rooted at the data type:
//
//	orderbook-data.{exchange}.{market_type}.{symbol}
//	trade-data.{exchange}.{market_type}.{symbol}
//	funding-rate-data.{exchange}.{market_type}.{symbol}
//	open-interest-data.{exchange}.{market_type}.{symbol}
//	liquidation-data.{exchange}.{market_type}.{symbol}
//	lsr-data.{exchange}.{market_type}.{variant}.{symbol}
//	volatility-index-data.{exchange}.{market_type}.{symbol}
var subjectRoots = map[models.DataType]string{
	models.DataTypeOrderBook:       "orderbook-data",
	models.DataTypeTrade:           "trade-data",
	models.DataTypeFundingRate:     "funding-rate-data",
	models.DataTypeOpenInterest:    "open-interest-data",
	models.DataTypeLiquidation:     "liquidation-data",
	models.DataTypeLongShortRatio:  "lsr-data",
	models.DataTypeVolatilityIndex: "volatility-index-data",
}

// SubjectRoot returns the first token of kind's subject hierarchy.
func SubjectRoot(kind models.DataType) string {
	return subjectRoots[kind]
}

// AllSubjectFilters enumerates the wildcard filters the stream is created
// with, one per data type.
func AllSubjectFilters() []string {
	filters := make([]string, 0, len(subjectRoots))
	for _, root := range subjectRoots {
		filters = append(filters, root+".>")
	}
	return filters
}

// Subject builds the bus subject for a canonical record. Symbols keep
// their BASE-QUOTE hyphen; dots would break subject tokenization.
func Subject(rec models.Record) string {
	switch r := rec.(type) {
	case *models.Trade:
		return join(subjectRoots[models.DataTypeTrade], r.Exchange, string(r.MarketType), r.Symbol)
	case *models.OrderBookSnapshot:
		return join(subjectRoots[models.DataTypeOrderBook], r.Exchange, string(r.MarketType), r.Symbol)
	case *models.FundingRate:
		return join(subjectRoots[models.DataTypeFundingRate], r.Exchange, string(r.MarketType), r.Symbol)
	case *models.OpenInterest:
		return join(subjectRoots[models.DataTypeOpenInterest], r.Exchange, string(r.MarketType), r.Symbol)
	case *models.Liquidation:
		return join(subjectRoots[models.DataTypeLiquidation], r.Exchange, string(r.MarketType), r.Symbol)
	case *models.LongShortRatio:
		return join(subjectRoots[models.DataTypeLongShortRatio], r.Exchange, string(r.MarketType), string(r.Variant), r.Symbol)
	case *models.VolatilityIndex:
		return join(subjectRoots[models.DataTypeVolatilityIndex], r.Exchange, string(models.MarketPerpetual), r.Currency)
	default:
		return ""
	}
}

// Headers builds the envelope headers carried alongside every record.
func Headers(rec models.Record) map[string]string {
	h := map[string]string{
		"data_type":      string(rec.Kind()),
		"schema_version": models.SchemaVersion,
	}
	switch r := rec.(type) {
	case *models.Trade:
		h["exchange"], h["market_type"], h["symbol"] = r.Exchange, string(r.MarketType), r.Symbol
	case *models.OrderBookSnapshot:
		h["exchange"], h["market_type"], h["symbol"] = r.Exchange, string(r.MarketType), r.Symbol
	case *models.FundingRate:
		h["exchange"], h["market_type"], h["symbol"] = r.Exchange, string(r.MarketType), r.Symbol
	case *models.OpenInterest:
		h["exchange"], h["market_type"], h["symbol"] = r.Exchange, string(r.MarketType), r.Symbol
	case *models.Liquidation:
		h["exchange"], h["market_type"], h["symbol"] = r.Exchange, string(r.MarketType), r.Symbol
	case *models.LongShortRatio:
		h["exchange"], h["market_type"], h["symbol"] = r.Exchange, string(r.MarketType), r.Symbol
	case *models.VolatilityIndex:
		h["exchange"], h["market_type"], h["symbol"] = r.Exchange, string(models.MarketPerpetual), r.Currency
	}
	return h
}

func join(tokens ...string) string {
	return strings.Join(tokens, ".")
}
