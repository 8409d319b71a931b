package binance

import "github.com/goccy/go-json"

// combinedFrame is the wrapper used by /stream?streams=… multiplexed
// connections.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeEvent is the @trade stream payload.
type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// depthEvent is the @depth diff stream payload. U and u delimit the update
// id range this diff covers.
type depthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	LastUpdateID  int64      `json:"u"`
	PrevUpdateID  int64      `json:"pu"` // futures streams only
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// forceOrderEvent is the futures @forceOrder liquidation payload.
type forceOrderEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Quantity     string `json:"q"`
		Price        string `json:"p"`
		AveragePrice string `json:"ap"`
		Status       string `json:"X"`
		TradeTime    int64  `json:"T"`
	} `json:"o"`
}

// depthSnapshot is the REST depth endpoint response.
type depthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// premiumIndex is the futures funding endpoint response.
type premiumIndex struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// openInterestResp is the futures open interest endpoint response.
type openInterestResp struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// lsrEntry is one row of the futures long/short ratio endpoints.
type lsrEntry struct {
	Symbol         string `json:"symbol"`
	LongShortRatio string `json:"longShortRatio"`
	Timestamp      int64  `json:"timestamp"`
}
