// Package symbols canonicalizes venue-native instrument names to the
// uniform BASE-QUOTE form and interns (exchange, market, symbol) keys to
// compact integer ids for bounded per-symbol state tracking.
package symbols

import (
	"fmt"
	"strings"
	"sync"

	"github.com/quantfeed/quantfeed/internal/models"
)

// quoteCurrencies are tried longest-first when splitting concatenated
// venue symbols such as BTCUSDT or ETHFDUSD.
var quoteCurrencies = []string{
	"USDT", "USDC", "FDUSD", "TUSD", "BUSD", "USD", "EUR", "GBP", "BTC", "ETH", "BNB", "DAI", "TRY", "BRL", "JPY",
}

// Canonical converts a venue-native symbol to BASE-QUOTE form and resolves
// the market type. Examples:
//
//	BTCUSDT            -> BTC-USDT  (market type as given)
//	BTC-USDT           -> BTC-USDT
//	BTC-USDT-SWAP      -> BTC-USDT  (perpetual)
//	BTC-PERPETUAL      -> BTC-USD   (perpetual, Deribit style)
func Canonical(native string, market models.MarketType) (string, models.MarketType, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	if s == "" {
		return "", market, fmt.Errorf("empty symbol")
	}

	if strings.HasSuffix(s, "-SWAP") {
		s = strings.TrimSuffix(s, "-SWAP")
		market = models.MarketPerpetual
	}
	if strings.HasSuffix(s, "-PERPETUAL") {
		// Deribit inverse perpetuals are USD-quoted.
		base := strings.TrimSuffix(s, "-PERPETUAL")
		return base + "-USD", models.MarketPerpetual, nil
	}

	if strings.Contains(s, "-") {
		parts := strings.Split(s, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", market, fmt.Errorf("unrecognized symbol format: %s", native)
		}
		return parts[0] + "-" + parts[1], market, nil
	}

	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote, market, nil
		}
	}
	return "", market, fmt.Errorf("cannot split symbol %s into base and quote", native)
}

// Native converts a canonical BASE-QUOTE symbol back to a venue's native
// spelling for subscribe frames and REST queries.
func Native(exchange, canonical string, market models.MarketType) string {
	switch exchange {
	case "binance":
		return strings.ReplaceAll(canonical, "-", "")
	case "okx":
		if market == models.MarketPerpetual {
			return canonical + "-SWAP"
		}
		return canonical
	default:
		return canonical
	}
}

// Key is the fully-qualified identity of one instrument on one venue.
type Key struct {
	Exchange   string
	MarketType models.MarketType
	Symbol     string
}

func (k Key) String() string {
	return k.Exchange + "/" + string(k.MarketType) + "/" + k.Symbol
}

// Interner maps Keys to dense small integers so per-symbol state can live
// in slices instead of pointer-chasing maps. Ids are never reused.
type Interner struct {
	mu   sync.RWMutex
	ids  map[Key]int
	keys []Key
}

// NewInterner creates an empty interner.
func NewInterner() *Interner {
	return &Interner{ids: make(map[Key]int)}
}

// Intern returns the stable id for key, allocating one on first sight.
func (in *Interner) Intern(key Key) int {
	in.mu.RLock()
	id, ok := in.ids[key]
	in.mu.RUnlock()
	if ok {
		return id
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok := in.ids[key]; ok {
		return id
	}
	id = len(in.keys)
	in.ids[key] = id
	in.keys = append(in.keys, key)
	return id
}

// Lookup resolves an id back to its key.
func (in *Interner) Lookup(id int) (Key, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if id < 0 || id >= len(in.keys) {
		return Key{}, false
	}
	return in.keys[id], true
}

// Len returns the number of interned keys.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.keys)
}
