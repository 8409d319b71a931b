// Package okx adapts OKX to the venue adapter contract. Books arrive as an
// in-stream snapshot followed by sequenced diffs with CRC32 checksums, so
// resynchronization is a resubscribe on the live connection rather than a
// REST snapshot fetch.
package okx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/models"
)

// heartbeatInterval keeps the connection inside OKX's 30s idle cutoff.
const heartbeatInterval = 25 * time.Second

// Adapter speaks to one OKX market segment (spot or swap).
type Adapter struct {
	desc exchange.Descriptor
	rest *exchange.RESTClient
	swap bool

	symbolSet map[string]bool
}

// New builds an adapter from the venue descriptor.
func New(desc exchange.Descriptor) *Adapter {
	set := make(map[string]bool, len(desc.Symbols))
	for _, s := range desc.Symbols {
		set[s] = true
	}
	return &Adapter{
		desc:      desc,
		rest:      exchange.NewRESTClient(desc.Exchange, desc.RESTURL, desc.Budget),
		swap:      desc.MarketType == models.MarketPerpetual,
		symbolSet: set,
	}
}

// Name returns the exchange id.
func (a *Adapter) Name() string { return a.desc.Exchange }

func (a *Adapter) subscribeArgs() []channelArg {
	var args []channelArg
	for _, sym := range a.desc.Symbols {
		if a.desc.WantsDataType(models.DataTypeTrade) {
			args = append(args, channelArg{Channel: "trades", InstID: sym})
		}
		if a.desc.WantsDataType(models.DataTypeOrderBook) {
			args = append(args, channelArg{Channel: "books", InstID: sym})
		}
	}
	if a.swap && a.desc.WantsDataType(models.DataTypeLiquidation) {
		args = append(args, channelArg{Channel: "liquidation-orders", InstType: "SWAP"})
	}
	return args
}

// OpenStream dials the public WebSocket endpoint, subscribes the configured
// channels and starts the read and heartbeat loops.
func (a *Adapter) OpenStream(ctx context.Context) (*exchange.StreamSession, error) {
	args := a.subscribeArgs()
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: no channels configured", a.desc.Exchange)
	}

	conn, err := exchange.DialWS(ctx, a.desc.WSURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.desc.Exchange, err)
	}
	if err := conn.WriteJSON(wsRequest{Op: "subscribe", Args: args}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: subscribe: %w", a.desc.Exchange, err)
	}

	events := make(chan exchange.RawEvent, 1024)
	control := make(chan exchange.ConnEvent, 8)
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }

	control <- exchange.ConnEvent{Exchange: a.desc.Exchange, State: exchange.ConnConnected, At: time.Now()}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	go a.heartbeatLoop(loopCtx, conn)
	go func() {
		defer cancelLoops()
		a.readLoop(loopCtx, conn, events, control, closeConn)
	}()

	return &exchange.StreamSession{
		Events:  events,
		Control: control,
		Close:   closeConn,
		Resubscribe: func(ctx context.Context, symbol string) error {
			// Unsubscribe then subscribe prompts a fresh books snapshot.
			if err := conn.WriteJSON(wsRequest{Op: "unsubscribe", Args: []channelArg{{Channel: "books", InstID: symbol}}}); err != nil {
				return fmt.Errorf("%s: unsubscribe books %s: %w", a.desc.Exchange, symbol, err)
			}
			if err := conn.WriteJSON(wsRequest{Op: "subscribe", Args: []channelArg{{Channel: "books", InstID: symbol}}}); err != nil {
				return fmt.Errorf("%s: resubscribe books %s: %w", a.desc.Exchange, symbol, err)
			}
			return nil
		},
	}, nil
}

// heartbeatLoop sends the literal "ping" OKX expects; the matching "pong"
// text frame is swallowed by the read loop.
func (a *Adapter) heartbeatLoop(ctx context.Context, conn *exchange.WSConn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteText([]byte("ping")); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *exchange.WSConn, events chan<- exchange.RawEvent, control chan<- exchange.ConnEvent, closeConn func()) {
	defer close(events)
	defer close(control)

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
		if string(data) == "pong" {
			continue
		}

		evs, err := a.parseFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("venue", a.desc.Exchange).Msg("Unparseable stream frame")
			select {
			case control <- exchange.ConnEvent{Exchange: a.desc.Exchange, State: exchange.ConnDegraded, Err: err, At: time.Now()}:
			default:
			}
			continue
		}

		for i := range evs {
			select {
			case events <- evs[i]:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) parseFrame(data []byte) ([]exchange.RawEvent, error) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: frame: %v", exchange.ErrProtocolViolation, err)
	}

	if frame.Event != "" {
		if frame.Event == "error" {
			return nil, fmt.Errorf("%w: venue error %s: %s", exchange.ErrProtocolViolation, frame.Code, frame.Msg)
		}
		// subscribe/unsubscribe acks
		return nil, nil
	}
	if len(frame.Data) == 0 {
		return nil, nil
	}

	switch frame.Arg.Channel {
	case "books":
		return a.parseBooks(frame)
	case "trades":
		return a.parseTrades(frame)
	case "liquidation-orders":
		return a.parseLiquidations(frame)
	}
	return nil, nil
}

func (a *Adapter) parseBooks(frame wsFrame) ([]exchange.RawEvent, error) {
	var rows []bookData
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: books: %v", exchange.ErrProtocolViolation, err)
	}

	now := time.Now().UTC()
	events := make([]exchange.RawEvent, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		prev := row.PrevSeqID
		checksum := row.Checksum
		events = append(events, exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeOrderBook,
			ReceivedAt: now,
			Book: &exchange.RawBookUpdate{
				Symbol:        frame.Arg.InstID,
				FirstUpdateID: row.SeqID,
				LastUpdateID:  row.SeqID,
				PrevUpdateID:  &prev,
				Bids:          toLevels(row.Bids),
				Asks:          toLevels(row.Asks),
				Checksum:      &checksum,
				IsSnapshot:    frame.Action == "snapshot",
				EventTime:     models.FromUnixMillis(parseMillis(row.TS)),
			},
		})
	}
	return events, nil
}

func (a *Adapter) parseTrades(frame wsFrame) ([]exchange.RawEvent, error) {
	var rows []tradeData
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: trades: %v", exchange.ErrProtocolViolation, err)
	}

	now := time.Now().UTC()
	events := make([]exchange.RawEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeTrade,
			ReceivedAt: now,
			Trade: &exchange.RawTrade{
				Symbol:    row.InstID,
				TradeID:   row.TradeID,
				Price:     row.Price,
				Quantity:  row.Size,
				Side:      models.Side(strings.ToLower(row.Side)),
				EventTime: models.FromUnixMillis(parseMillis(row.TS)),
			},
		})
	}
	return events, nil
}

func (a *Adapter) parseLiquidations(frame wsFrame) ([]exchange.RawEvent, error) {
	var rows []liquidationData
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: liquidation orders: %v", exchange.ErrProtocolViolation, err)
	}

	now := time.Now().UTC()
	var events []exchange.RawEvent
	for _, row := range rows {
		// The channel is instType-wide; keep only configured symbols.
		if !a.symbolSet[row.InstID] {
			continue
		}
		for _, d := range row.Details {
			events = append(events, exchange.RawEvent{
				Exchange:   a.desc.Exchange,
				MarketType: a.desc.MarketType,
				Kind:       models.DataTypeLiquidation,
				ReceivedAt: now,
				Liquidation: &exchange.RawLiquidation{
					Symbol:    row.InstID,
					Side:      models.Side(strings.ToLower(d.Side)),
					Price:     d.BkPx,
					Quantity:  d.Sz,
					EventTime: models.FromUnixMillis(parseMillis(d.TS)),
				},
			})
		}
	}
	return events, nil
}

// BookSnapshot is unused: OKX books resync through Resubscribe.
func (a *Adapter) BookSnapshot(ctx context.Context, symbol string) (*exchange.RawBookUpdate, error) {
	return nil, fmt.Errorf("%s: books resynchronize via resubscribe, not REST snapshots", a.desc.Exchange)
}

// Poll fetches one REST endpoint.
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

func (a *Adapter) restData(ctx context.Context, path string, weight int, out interface{}) error {
	body, err := a.rest.Get(ctx, path, weight)
	if err != nil {
		return err
	}
	var env restEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: rest envelope: %v", exchange.ErrProtocolViolation, err)
	}
	if env.Code != "0" {
		return fmt.Errorf("%s: rest error %s: %s", a.desc.Exchange, env.Code, env.Msg)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: rest data: %v", exchange.ErrProtocolViolation, err)
	}
	return nil
}

func (a *Adapter) pollFunding(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	var rows []fundingRateResp
	if err := a.restData(ctx, "/api/v5/public/funding-rate?instId="+spec.Symbol, spec.Weight, &rows); err != nil {
		return nil, err
	}

	events := make([]exchange.RawEvent, 0, len(rows))
	for _, row := range rows {
		next := models.FromUnixMillis(parseMillis(row.NextFundingTime))
		events = append(events, exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeFundingRate,
			ReceivedAt: time.Now().UTC(),
			Funding: &exchange.RawFunding{
				Symbol:          row.InstID,
				Rate:            row.FundingRate,
				FundingTime:     models.FromUnixMillis(parseMillis(row.FundingTime)),
				NextFundingTime: &next,
				EventTime:       models.FromUnixMillis(parseMillis(row.TS)),
			},
		})
	}
	return events, nil
}

func (a *Adapter) pollOpenInterest(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	var rows []openInterestResp
	if err := a.restData(ctx, "/api/v5/public/open-interest?instId="+spec.Symbol, spec.Weight, &rows); err != nil {
		return nil, err
	}

	events := make([]exchange.RawEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: a.desc.MarketType,
			Kind:       models.DataTypeOpenInterest,
			ReceivedAt: time.Now().UTC(),
			OpenInterest: &exchange.RawOpenInterest{
				Symbol:      row.InstID,
				Contracts:   row.OI,
				NotionalUSD: row.OIUsd,
				EventTime:   models.FromUnixMillis(parseMillis(row.TS)),
			},
		})
	}
	return events, nil
}

func (a *Adapter) pollLSR(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	path := fmt.Sprintf("/api/v5/rubik/stat/contracts/long-short-account-ratio?ccy=%s&period=%s", spec.Currency, spec.Period)
	var rows []lsrRow
	if err := a.restData(ctx, path, spec.Weight, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// Rows are newest-first; keep only the latest observation.
	row := rows[0]
	return []exchange.RawEvent{{
		Exchange:   a.desc.Exchange,
		MarketType: a.desc.MarketType,
		Kind:       models.DataTypeLongShortRatio,
		ReceivedAt: time.Now().UTC(),
		LSR: &exchange.RawLongShortRatio{
			Symbol:    spec.Symbol,
			Variant:   models.LSRAllAccount,
			Ratio:     row[1],
			Period:    spec.Period,
			EventTime: models.FromUnixMillis(parseMillis(row[0])),
		},
	}}, nil
}

// PollTasks enumerates the REST endpoints matching the descriptor. Only
// the swap segment has pollable endpoints.
func (a *Adapter) PollTasks() []exchange.EndpointSpec {
	if !a.swap {
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
			tasks = append(tasks, exchange.EndpointSpec{
				DataType: models.DataTypeLongShortRatio,
				Symbol:   sym,
				Variant:  models.LSRAllAccount,
				Currency: baseCurrency(sym),
				Period:   "5m",
				Weight:   1,
			})
		}
	}
	return tasks
}

// baseCurrency extracts BTC from BTC-USDT-SWAP for currency-scoped
// endpoints.
func baseCurrency(instID string) string {
	if i := strings.Index(instID, "-"); i > 0 {
		return instID[:i]
	}
	return instID
}

func parseMillis(s string) int64 {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return ms
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
