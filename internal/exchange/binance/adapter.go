// Package binance adapts Binance spot and USD-M futures to the venue
// adapter contract: multiplexed WebSocket streams for trades, depth diffs
// and liquidations, plus weight-budgeted REST polling for depth snapshots,
// funding, open interest and positioning ratios.
package binance

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/models"
)

const (
	depthSnapshotLimit = 1000
	// spotDepthWeight and futuresDepthWeight are the venue-published costs
	// for a limit-1000 depth request.
	spotDepthWeight    = 50
	futuresDepthWeight = 20
)

// Adapter speaks to one Binance market (spot or USD-M futures). Spot and
// futures differ only in URLs, REST paths and the liquidation stream.
type Adapter struct {
	desc exchange.Descriptor
	rest *exchange.RESTClient
	spot bool
}

// New builds an adapter from the venue descriptor.
func New(desc exchange.Descriptor) *Adapter {
	return &Adapter{
		desc: desc,
		rest: exchange.NewRESTClient(desc.Exchange, desc.RESTURL, desc.Budget),
		spot: desc.MarketType == models.MarketSpot,
	}
}

// Name returns the exchange id.
func (a *Adapter) Name() string { return a.desc.Exchange }

// streamNames builds the combined-stream suffixes for the configured
// symbols and data types.
func (a *Adapter) streamNames() []string {
	var names []string
	for _, sym := range a.desc.Symbols {
		lower := strings.ToLower(sym)
		if a.desc.WantsDataType(models.DataTypeTrade) {
			names = append(names, lower+"@trade")
		}
		if a.desc.WantsDataType(models.DataTypeOrderBook) {
			names = append(names, lower+"@depth@100ms")
		}
		if !a.spot && a.desc.WantsDataType(models.DataTypeLiquidation) {
			names = append(names, lower+"@forceOrder")
		}
	}
	return names
}

// OpenStream dials the combined-stream endpoint and starts the read loop.
func (a *Adapter) OpenStream(ctx context.Context) (*exchange.StreamSession, error) {
	names := a.streamNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no streams configured", a.desc.Exchange)
	}

	wsURL := a.desc.WSURL + "/stream?streams=" + url.QueryEscape(strings.Join(names, "/"))
	conn, err := exchange.DialWS(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.desc.Exchange, err)
	}

	events := make(chan exchange.RawEvent, 1024)
	control := make(chan exchange.ConnEvent, 8)
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }

	control <- exchange.ConnEvent{Exchange: a.desc.Exchange, State: exchange.ConnConnected, At: time.Now()}
	go a.readLoop(ctx, conn, events, control, closeConn)

	return &exchange.StreamSession{
		Events:  events,
		Control: control,
		Close:   closeConn,
	}, nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *exchange.WSConn, events chan<- exchange.RawEvent, control chan<- exchange.ConnEvent, closeConn func()) {
	defer close(events)
	defer close(control)

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			control <- exchange.ConnEvent{
				Exchange: a.desc.Exchange,
				State:    exchange.ConnDisconnected,
				Err:      fmt.Errorf("%w: %v", exchange.ErrConnectionLost, err),
				At:       time.Now(),
			}
			return
		}

		ev, err := a.parseFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("venue", a.desc.Exchange).Msg("Unparseable stream frame")
			select {
			case control <- exchange.ConnEvent{Exchange: a.desc.Exchange, State: exchange.ConnDegraded, Err: err, At: time.Now()}:
			default:
			}
			continue
		}
		if ev == nil {
			continue
		}

		select {
		case events <- *ev:
		case <-ctx.Done():
			return
		}
	}
}

// parseFrame decodes one combined-stream frame into a raw event. A nil
// event with nil error means the frame is valid but not interesting
// (subscription acks, unknown streams).
func (a *Adapter) parseFrame(data []byte) (*exchange.RawEvent, error) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: combined frame: %v", exchange.ErrProtocolViolation, err)
	}
	if frame.Stream == "" || len(frame.Data) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	switch {
	case strings.HasSuffix(frame.Stream, "@trade"):
		var t tradeEvent
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return nil, fmt.Errorf("%w: trade: %v", exchange.ErrProtocolViolation, err)
		}
		side := models.SideBuy
		if t.BuyerIsMaker {
			side = models.SideSell
		}
		maker := t.BuyerIsMaker
		return &exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeTrade,
			ReceivedAt: now,
			Trade: &exchange.RawTrade{
				Symbol:    t.Symbol,
				TradeID:   strconv.FormatInt(t.TradeID, 10),
				Price:     t.Price,
				Quantity:  t.Quantity,
				Side:      side,
				IsMaker:   &maker,
				EventTime: models.FromUnixMillis(t.TradeTime),
			},
		}, nil

	case strings.Contains(frame.Stream, "@depth"):
		var d depthEvent
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: depth diff: %v", exchange.ErrProtocolViolation, err)
		}
		return &exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeOrderBook,
			ReceivedAt: now,
			Book: &exchange.RawBookUpdate{
				Symbol:        d.Symbol,
				FirstUpdateID: d.FirstUpdateID,
				LastUpdateID:  d.LastUpdateID,
				Bids:          toLevels(d.Bids),
				Asks:          toLevels(d.Asks),
				EventTime:     models.FromUnixMillis(d.EventTime),
			},
		}, nil

	case strings.HasSuffix(frame.Stream, "@forceOrder"):
		var f forceOrderEvent
		if err := json.Unmarshal(frame.Data, &f); err != nil {
			return nil, fmt.Errorf("%w: force order: %v", exchange.ErrProtocolViolation, err)
		}
		price := f.Order.AveragePrice
		if price == "" || price == "0" {
			price = f.Order.Price
		}
		return &exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeLiquidation,
			ReceivedAt: now,
			Liquidation: &exchange.RawLiquidation{
				Symbol:    f.Order.Symbol,
				Side:      models.Side(strings.ToLower(f.Order.Side)),
				Price:     price,
				Quantity:  f.Order.Quantity,
				EventTime: models.FromUnixMillis(f.Order.TradeTime),
			},
		}, nil
	}
	return nil, nil
}

// BookSnapshot fetches the REST depth snapshot used to join the diff stream.
func (a *Adapter) BookSnapshot(ctx context.Context, symbol string) (*exchange.RawBookUpdate, error) {
	path := fmt.Sprintf("/fapi/v1/depth?symbol=%s&limit=%d", symbol, depthSnapshotLimit)
	weight := futuresDepthWeight
	if a.spot {
		path = fmt.Sprintf("/api/v3/depth?symbol=%s&limit=%d", symbol, depthSnapshotLimit)
		weight = spotDepthWeight
	}

	body, err := a.rest.Get(ctx, path, weight)
	if err != nil {
		return nil, err
	}

	var snap depthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("%w: depth snapshot: %v", exchange.ErrProtocolViolation, err)
	}
	return &exchange.RawBookUpdate{
		Symbol:       symbol,
		LastUpdateID: snap.LastUpdateID,
		Bids:         toLevels(snap.Bids),
		Asks:         toLevels(snap.Asks),
		IsSnapshot:   true,
		EventTime:    time.Now().UTC(),
	}, nil
}

// Poll fetches one REST endpoint. Only futures descriptors have pollable
// endpoints on Binance.
func (a *Adapter) Poll(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	switch spec.DataType {
	case models.DataTypeFundingRate:
		return a.pollFunding(ctx, spec)
	case models.DataTypeOpenInterest:
		return a.pollOpenInterest(ctx, spec)
	case models.DataTypeLongShortRatio:
		return a.pollLSR(ctx, spec)
	default:
		return nil, fmt.Errorf("%s: unsupported poll data type %s", a.desc.Exchange, spec.DataType)
	}
}

func (a *Adapter) pollFunding(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	body, err := a.rest.Get(ctx, "/fapi/v1/premiumIndex?symbol="+spec.Symbol, spec.Weight)
	if err != nil {
		return nil, err
	}
	var idx premiumIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("%w: premium index: %v", exchange.ErrProtocolViolation, err)
	}
	next := models.FromUnixMillis(idx.NextFundingTime)
	return []exchange.RawEvent{{
		Exchange:   a.desc.Exchange,
		MarketType: a.desc.MarketType,
		Kind:       models.DataTypeFundingRate,
		ReceivedAt: time.Now().UTC(),
		Funding: &exchange.RawFunding{
			Symbol:          idx.Symbol,
			Rate:            idx.LastFundingRate,
			FundingTime:     models.FromUnixMillis(idx.Time),
			NextFundingTime: &next,
			EventTime:       models.FromUnixMillis(idx.Time),
		},
	}}, nil
}

func (a *Adapter) pollOpenInterest(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	body, err := a.rest.Get(ctx, "/fapi/v1/openInterest?symbol="+spec.Symbol, spec.Weight)
	if err != nil {
		return nil, err
	}
	var oi openInterestResp
	if err := json.Unmarshal(body, &oi); err != nil {
		return nil, fmt.Errorf("%w: open interest: %v", exchange.ErrProtocolViolation, err)
	}
	return []exchange.RawEvent{{
		Exchange:   a.desc.Exchange,
		MarketType: a.desc.MarketType,
		Kind:       models.DataTypeOpenInterest,
		ReceivedAt: time.Now().UTC(),
		OpenInterest: &exchange.RawOpenInterest{
			Symbol:    oi.Symbol,
			Contracts: oi.OpenInterest,
			EventTime: models.FromUnixMillis(oi.Time),
		},
	}}, nil
}

func (a *Adapter) pollLSR(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	endpoint := "/futures/data/globalLongShortAccountRatio"
	if spec.Variant == models.LSRTopPosition {
		endpoint = "/futures/data/topLongShortPositionRatio"
	}
	path := fmt.Sprintf("%s?symbol=%s&period=%s&limit=1", endpoint, spec.Symbol, spec.Period)

	body, err := a.rest.Get(ctx, path, spec.Weight)
	if err != nil {
		return nil, err
	}
	var rows []lsrEntry
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: long/short ratio: %v", exchange.ErrProtocolViolation, err)
	}

	events := make([]exchange.RawEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeLongShortRatio,
			ReceivedAt: time.Now().UTC(),
			LSR: &exchange.RawLongShortRatio{
				Symbol:    row.Symbol,
				Variant:   spec.Variant,
				Ratio:     row.LongShortRatio,
				Period:    spec.Period,
				EventTime: models.FromUnixMillis(row.Timestamp),
			},
		})
	}
	return events, nil
}

// PollTasks enumerates the REST endpoints matching the descriptor's data
// types. Spot markets have none.
func (a *Adapter) PollTasks() []exchange.EndpointSpec {
	if a.spot {
		return nil
	}
	var tasks []exchange.EndpointSpec
	for _, sym := range a.desc.Symbols {
		if a.desc.WantsDataType(models.DataTypeFundingRate) {
			tasks = append(tasks, exchange.EndpointSpec{DataType: models.DataTypeFundingRate, Symbol: sym, Weight: 1})
		}
		if a.desc.WantsDataType(models.DataTypeOpenInterest) {
			tasks = append(tasks, exchange.EndpointSpec{DataType: models.DataTypeOpenInterest, Symbol: sym, Weight: 1})
		}
		if a.desc.WantsDataType(models.DataTypeLongShortRatio) {
			tasks = append(tasks,
				exchange.EndpointSpec{DataType: models.DataTypeLongShortRatio, Symbol: sym, Variant: models.LSRTopPosition, Period: "5m", Weight: 1},
				exchange.EndpointSpec{DataType: models.DataTypeLongShortRatio, Symbol: sym, Variant: models.LSRAllAccount, Period: "5m", Weight: 1},
			)
		}
	}
	return tasks
}

func toLevels(raw [][]string) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: pair[0], Quantity: pair[1]})
	}
	return levels
}
