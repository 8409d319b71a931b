// Package exchange defines the venue adapter contract: typed raw events,
// connection state changes, venue error taxonomy and the shared plumbing
// (token buckets, WebSocket connection, REST helper) adapters compose.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantfeed/quantfeed/internal/models"
)

// Taxonomy of venue errors. Adapters classify every failure into one of
// these so the supervisor and poller can react uniformly.
var (
	// ErrConnectionLost is returned when the stream transport fails; the
	// supervisor reconnects.
	ErrConnectionLost = errors.New("connection lost")
	// ErrProtocolViolation marks a frame that could not be parsed; counted,
	// the stream continues.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrVenueRateLimit marks an HTTP 429/418 analogue; triggers adaptive
	// backoff on the venue's token bucket.
	ErrVenueRateLimit = errors.New("venue rate limit")
)

// RateLimitError carries the venue-advised retry delay when present.
type RateLimitError struct {
	Venue      string
	RetryAfter time.Duration
	Status     int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (status %d, retry after %s)", e.Venue, e.Status, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrVenueRateLimit }

// ConnState enumerates connection lifecycle states reported on the control
// channel.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnDegraded     ConnState = "degraded"
)

// ConnEvent is a connection state change surfaced to the supervisor.
type ConnEvent struct {
	Exchange string
	State    ConnState
	Err      error
	At       time.Time
}

// RawTrade is a venue trade before normalization. Symbol is venue-native;
// decimal fields are the venue's exact strings.
type RawTrade struct {
	Symbol    string
	TradeID   string
	Price     string
	Quantity  string
	Side      models.Side
	IsMaker   *bool
	EventTime time.Time
}

// RawBookUpdate is a venue order-book diff or snapshot before normalization.
type RawBookUpdate struct {
	Symbol        string
	FirstUpdateID int64
	LastUpdateID  int64
	PrevUpdateID  *int64
	Bids          []models.PriceLevel
	Asks          []models.PriceLevel
	Checksum      *int32
	IsSnapshot    bool
	EventTime     time.Time
}

// RawFunding is a venue funding-rate observation.
type RawFunding struct {
	Symbol          string
	Rate            string
	FundingTime     time.Time
	NextFundingTime *time.Time
	EventTime       time.Time
}

// RawOpenInterest is a venue open-interest observation.
type RawOpenInterest struct {
	Symbol      string
	Contracts   string
	NotionalUSD string
	EventTime   time.Time
}

// RawLiquidation is a venue forced-liquidation event.
type RawLiquidation struct {
	Symbol        string
	Side          models.Side
	Price         string
	Quantity      string
	LiquidationID string
	EventTime     time.Time
}

// RawLongShortRatio is a venue positioning-ratio observation.
type RawLongShortRatio struct {
	Symbol    string
	Variant   models.LSRVariant
	Ratio     string
	Period    string
	EventTime time.Time
}

// RawVolIndex is a venue volatility-index observation.
type RawVolIndex struct {
	Currency   string
	Value      string
	Resolution string
	EventTime  time.Time
}

// RawEvent is the tagged union of everything a venue stream or poll can
// yield. Exactly one payload pointer is set, matching Kind.
type RawEvent struct {
	Exchange   string
	MarketType models.MarketType
	Kind       models.DataType
	ReceivedAt time.Time

	Trade        *RawTrade
	Book         *RawBookUpdate
	Funding      *RawFunding
	OpenInterest *RawOpenInterest
	Liquidation  *RawLiquidation
	LSR          *RawLongShortRatio
	VolIndex     *RawVolIndex
}

// EndpointSpec names one pollable REST endpoint on a venue.
type EndpointSpec struct {
	DataType models.DataType
	// Symbol is venue-native; empty for endpoints without symbol granularity.
	Symbol string
	// Variant qualifies LSR endpoints.
	Variant models.LSRVariant
	// Period qualifies LSR endpoints (e.g. "5m").
	Period string
	// Currency qualifies volatility-index endpoints.
	Currency string
	// Weight is the venue weight cost charged against the token bucket.
	Weight int
}

// Descriptor carries everything an adapter needs to speak to one venue.
type Descriptor struct {
	Exchange   string
	MarketType models.MarketType
	WSURL      string
	RESTURL    string
	Symbols    []string
	DataTypes  []models.DataType
	Budget     *RateBudget
}

// Adapter is implemented once per venue family. A stream session delivers a
// lazy, infinite, non-restartable event stream; a fresh session is created
// by the supervisor for every (re)connection.
type Adapter interface {
	// Name returns the exchange id this adapter speaks for.
	Name() string
	// OpenStream dials the venue and returns the event and control channels
	// for one connection. Both channels close when the connection dies or
	// ctx is cancelled.
	OpenStream(ctx context.Context) (*StreamSession, error)
	// BookSnapshot fetches a REST depth snapshot for one venue-native symbol.
	BookSnapshot(ctx context.Context, symbol string) (*RawBookUpdate, error)
	// Poll fetches one non-streaming endpoint and returns its raw events.
	Poll(ctx context.Context, spec EndpointSpec) ([]RawEvent, error)
	// PollTasks enumerates the endpoints this adapter should be polled for.
	PollTasks() []EndpointSpec
}

// StreamSession is one live WebSocket connection worth of event flow.
type StreamSession struct {
	Events  <-chan RawEvent
	Control <-chan ConnEvent
	// Close tears the connection down; idempotent.
	Close func()
	// Resubscribe re-issues the book subscription for one venue-native
	// symbol on this connection, prompting a fresh in-stream snapshot.
	// Nil on venues whose books resync via REST snapshots instead.
	Resubscribe func(ctx context.Context, symbol string) error
}

// WantsDataType reports whether the descriptor subscribes to kind.
func (d *Descriptor) WantsDataType(kind models.DataType) bool {
	for _, dt := range d.DataTypes {
		if dt == kind {
			return true
		}
	}
	return false
}
