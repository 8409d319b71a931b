package okx

import "github.com/goccy/go-json"

// wsRequest is a subscribe/unsubscribe frame.
type wsRequest struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

type channelArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// wsFrame is the envelope of every push and ack message.
type wsFrame struct {
	Event  string          `json:"event,omitempty"`
	Arg    channelArg      `json:"arg,omitempty"`
	Action string          `json:"action,omitempty"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// bookData is one element of the books channel data array. Levels are
// [price, size, liquidatedOrders, orderCount].
type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	TS        string     `json:"ts"`
	Checksum  int32      `json:"checksum"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

// tradeData is one element of the trades channel data array.
type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

// liquidationData is one element of the liquidation-orders channel data
// array.
type liquidationData struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side string `json:"side"`
		BkPx string `json:"bkPx"`
		Sz   string `json:"sz"`
		TS   string `json:"ts"`
	} `json:"details"`
}

// fundingRateResp is the funding-rate REST endpoint row.
type fundingRateResp struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
	TS              string `json:"ts"`
}

// openInterestResp is the open-interest REST endpoint row.
type openInterestResp struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`
	OICcy  string `json:"oiCcy"`
	OIUsd  string `json:"oiUsd"`
	TS     string `json:"ts"`
}

// restEnvelope wraps every OKX REST response.
type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// lsrRow is the rubik long/short ratio row: [ts, ratio].
type lsrRow [2]string
