package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tapeflow/internal/domain/marketdata"
	"tapeflow/pkg/errors"
)

// RESTClient fetches historical data from the public REST API under a
// request-per-second budget.
type RESTClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewRESTClient creates a rate-limited REST client.
func NewRESTClient(baseURL string, requestsPerSecond float64) *RESTClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Klines fetches up to limit closed candles for a symbol and interval,
// oldest first.
func (c *RESTClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build klines request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch klines")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read klines response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrUnavailable, "klines status %d: %s", resp.StatusCode, body)
	}

	return parseKlines(body)
}

// parseKlines decodes the kline rows. Each row is a mixed array:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlines(body []byte) ([]marketdata.Bar, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "unmarshal klines")
	}

	bars := make([]marketdata.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, errors.Newf("malformed kline row with %d fields", len(row))
		}

		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, errors.Wrap(err, "parse kline open time")
		}

		fields := make([]float64, 5)
		for i := 0; i < 5; i++ {
			var raw string
			if err := json.Unmarshal(row[i+1], &raw); err != nil {
				return nil, errors.Wrap(err, "parse kline field")
			}
			value, err := parseDecimal(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "parse kline value %q", raw)
			}
			fields[i] = value
		}

		bars = append(bars, marketdata.Bar{
			Time:   openTime,
			Open:   fields[0],
			High:   fields[1],
			Low:    fields[2],
			Close:  fields[3],
			Volume: fields[4],
		})
	}
	return bars, nil
}

// parseDecimal parses an exchange decimal string exactly before
// converting to float64.
func parseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
