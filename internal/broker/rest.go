package broker

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	apperrors "tradechart/internal/errors"
	"tradechart/internal/logging"
	"tradechart/internal/models"
	"tradechart/pkg/utils"
)

// RESTConfig holds configuration for the REST client.
type RESTConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
	Logger  zerolog.Logger
}

// RESTClient implements HistorySource and TradeSource over the market data REST API.
type RESTClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	retry   utils.RetryConfig
	client  *fasthttp.Client
	logger  zerolog.Logger
}

// NewRESTClient creates a new REST client.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Retries + 1
	retry.RetryableErrors = []error{apperrors.ErrNetwork}

	return &RESTClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		retry:   retry,
		client: &fasthttp.Client{
			Name:         "tradechart",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		logger: logging.WithComponent(cfg.Logger, "rest"),
	}
}

// GetCandles implements HistorySource.
func (c *RESTClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	body, err := c.get(ctx, "/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	candles, err := ParseCandles(body)
	if err != nil {
		return nil, apperrors.NewDataError("candles", symbol, "decoding klines", err)
	}
	return candles, nil
}

// GetOpenPositions implements TradeSource.
func (c *RESTClient) GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	body, err := c.get(ctx, "/trades/open", nil)
	if err != nil {
		return nil, err
	}
	positions, err := ParsePositions(body)
	if err != nil {
		return nil, apperrors.NewDataError("positions", "", "decoding open trades", err)
	}
	return positions, nil
}

func (c *RESTClient) get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	endpoint := c.baseURL + path
	return utils.RetryWithResult(ctx, c.retry, func() ([]byte, error) {
		start := time.Now()
		body, err := c.do(ctx, endpoint, query)
		logging.LogAPICall(c.logger, fasthttp.MethodGet, path, time.Since(start), err)
		return body, err
	})
}

func (c *RESTClient) do(ctx context.Context, endpoint string, query map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	args := req.URI().QueryArgs()
	for k, v := range query {
		args.Set(k, v)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, apperrors.NewTransportError(endpoint, 0, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return nil, apperrors.NewTransportError(endpoint, status, nil)
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return body, nil
}

// ParseCandles decodes a kline payload. Each element of "data" is either an
// object {time, open, high, low, close} or an array row [time, open, high, low, close, ...].
// Millisecond timestamps are converted to seconds. A null payload returns nil, nil.
func ParseCandles(body []byte) ([]models.Candle, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, apperrors.Wrap(apperrors.ErrMalformedResponse, "invalid json")
	}

	root := gjson.ParseBytes(body)
	if root.Type == gjson.Null {
		return nil, nil
	}
	data := root.Get("data")
	if !data.Exists() {
		return nil, apperrors.Wrap(apperrors.ErrMalformedResponse, "missing data field")
	}
	if data.Type == gjson.Null {
		return nil, nil
	}
	if !data.IsArray() {
		return nil, apperrors.Wrap(apperrors.ErrMalformedResponse, "data is not an array")
	}

	rows := data.Array()
	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		var fields [5]gjson.Result
		switch {
		case row.IsArray():
			cols := row.Array()
			if len(cols) < 5 {
				return nil, apperrors.Wrapf(apperrors.ErrMalformedResponse, "row %d has %d columns", i, len(cols))
			}
			copy(fields[:], cols[:5])
		case row.IsObject():
			fields = [5]gjson.Result{row.Get("time"), row.Get("open"), row.Get("high"), row.Get("low"), row.Get("close")}
		default:
			return nil, apperrors.Wrapf(apperrors.ErrMalformedResponse, "row %d is not a candle", i)
		}

		var values [5]float64
		for j, f := range fields {
			v, ok := number(f)
			if !ok {
				return nil, apperrors.Wrapf(apperrors.ErrMalformedResponse, "row %d field %d is not numeric", i, j)
			}
			values[j] = v
		}

		ts := int64(values[0])
		if ts > 1e12 {
			ts /= 1000
		}
		candles = append(candles, models.Candle{
			Time:  ts,
			Open:  values[1],
			High:  values[2],
			Low:   values[3],
			Close: values[4],
		})
	}
	return candles, nil
}

// ParsePositions decodes an open-trades payload.
func ParsePositions(body []byte) ([]models.OpenPosition, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, apperrors.Wrap(apperrors.ErrMalformedResponse, "invalid json")
	}

	root := gjson.ParseBytes(body)
	data := root.Get("data")
	if root.Type == gjson.Null || data.Type == gjson.Null {
		return nil, nil
	}
	if !data.IsArray() {
		return nil, apperrors.Wrap(apperrors.ErrMalformedResponse, "data is not an array")
	}

	var positions []models.OpenPosition
	for i, row := range data.Array() {
		if !row.IsObject() {
			return nil, apperrors.Wrapf(apperrors.ErrMalformedResponse, "position %d is not an object", i)
		}
		symbol := row.Get("symbol").String()
		if symbol == "" {
			return nil, apperrors.Wrapf(apperrors.ErrMalformedResponse, "position %d has no symbol", i)
		}

		entryTime := row.Get("entry_time").Int()
		if entryTime > 1e12 {
			entryTime /= 1000
		}

		positions = append(positions, models.OpenPosition{
			Symbol:             symbol,
			Size:               row.Get("size").Float(),
			Side:               row.Get("side").String(),
			EntryPrice:         row.Get("entry_price").Float(),
			CurrentPrice:       row.Get("current_price").Float(),
			StopLoss:           optional(row.Get("stop_loss")),
			TakeProfit:         optional(row.Get("take_profit")),
			TakeProfitValueUSD: optional(row.Get("take_profit_value_usd")),
			StopLossRatio:      optional(row.Get("stop_loss_ratio")),
			PnLUSD:             optional(row.Get("pnl_usd")),
			EntryTime:          entryTime,
			Precision:          int(row.Get("precision").Int()),
		})
	}
	return positions, nil
}

// number accepts JSON numbers and numeric strings.
func number(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		v, err := strconv.ParseFloat(r.Str, 64)
		return v, err == nil
	}
	return 0, false
}

func optional(r gjson.Result) *float64 {
	v, ok := number(r)
	if !ok {
		return nil
	}
	return &v
}
