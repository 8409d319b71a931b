// Package deribit adapts Deribit's public JSON-RPC-over-HTTP API. Only the
// volatility index is collected, so the adapter is poll-only: there is no
// stream to supervise.
package deribit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/models"
)

// volResolution is the candle resolution in seconds requested from the
// volatility index endpoint.
const volResolution = "60"

// lookback is the window requested on each poll. Overlapping observations
// are deduplicated downstream by fingerprint.
const lookback = 5 * time.Minute

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// volIndexResult holds candle rows of [timestamp_ms, open, high, low, close].
type volIndexResult struct {
	Data         [][]float64 `json:"data"`
	Continuation *int64      `json:"continuation"`
}

// Adapter polls Deribit volatility indices for the configured currencies.
type Adapter struct {
	desc exchange.Descriptor
	rest *exchange.RESTClient
	now  func() time.Time
}

// New builds an adapter from the venue descriptor. Descriptor.Symbols holds
// index currencies (BTC, ETH), not instrument names.
func New(desc exchange.Descriptor) *Adapter {
	return &Adapter{
		desc: desc,
		rest: exchange.NewRESTClient(desc.Exchange, desc.RESTURL, desc.Budget),
		now:  time.Now,
	}
}

// Name returns the exchange id.
func (a *Adapter) Name() string { return a.desc.Exchange }

// OpenStream is unsupported: the volatility index is request/response only.
func (a *Adapter) OpenStream(ctx context.Context) (*exchange.StreamSession, error) {
	return nil, fmt.Errorf("%s: no streaming channels, poll only", a.desc.Exchange)
}

// BookSnapshot is unsupported.
func (a *Adapter) BookSnapshot(ctx context.Context, symbol string) (*exchange.RawBookUpdate, error) {
	return nil, fmt.Errorf("%s: order books are not collected", a.desc.Exchange)
}

// Poll fetches the volatility index candles for one currency.
func (a *Adapter) Poll(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	if spec.DataType != models.DataTypeVolatilityIndex {
		return nil, fmt.Errorf("%s: unsupported poll data type %s", a.desc.Exchange, spec.DataType)
	}

	end := a.now().UTC()
	start := end.Add(-lookback)
	path := fmt.Sprintf(
		"/api/v2/public/get_volatility_index_data?currency=%s&resolution=%s&start_timestamp=%d&end_timestamp=%d",
		spec.Currency, volResolution, start.UnixMilli(), end.UnixMilli(),
	)

	body, err := a.rest.Get(ctx, path, spec.Weight)
	if err != nil {
		return nil, err
	}

	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: rpc envelope: %v", exchange.ErrProtocolViolation, err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", a.desc.Exchange, env.Error.Code, env.Error.Message)
	}

	var result volIndexResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: volatility index result: %v", exchange.ErrProtocolViolation, err)
	}

	collected := a.now().UTC()
	events := make([]exchange.RawEvent, 0, len(result.Data))
	for _, row := range result.Data {
		// [timestamp_ms, open, high, low, close]; close is the index value.
		if len(row) < 5 {
			continue
		}
		events = append(events, exchange.RawEvent{
			Exchange:   a.desc.Exchange,
			MarketType: models.MarketPerpetual,
			Kind:       models.DataTypeVolatilityIndex,
			ReceivedAt: collected,
			VolIndex: &exchange.RawVolIndex{
				Currency:   spec.Currency,
				Value:      strconv.FormatFloat(row[4], 'f', -1, 64),
				Resolution: volResolution,
				EventTime:  models.FromUnixMillis(int64(row[0])),
			},
		})
	}
	return events, nil
}

// PollTasks enumerates one volatility index endpoint per currency.
func (a *Adapter) PollTasks() []exchange.EndpointSpec {
	if !a.desc.WantsDataType(models.DataTypeVolatilityIndex) {
		return nil
	}
	tasks := make([]exchange.EndpointSpec, 0, len(a.desc.Symbols))
	for _, ccy := range a.desc.Symbols {
		tasks = append(tasks, exchange.EndpointSpec{
			DataType: models.DataTypeVolatilityIndex,
			Currency: ccy,
			Weight:   1,
		})
	}
	return tasks
}
