// Package binance streams public market data over WebSocket and
// bootstraps historical bars over REST.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tapeflow/internal/domain/marketdata"
	"tapeflow/internal/metrics"
	"tapeflow/pkg/errors"
	"tapeflow/pkg/logger"
	"tapeflow/pkg/reconnect"
)

const exchangeName = "binance"

// Handler receives parsed feed messages. Callbacks run on the stream's
// read goroutine and must not block.
type Handler interface {
	OnTrade(symbol string, tick marketdata.TradeTick)
	OnDepth(symbol string, snapshot marketdata.OrderbookSnapshot)
}

// StreamConfig configures the combined market data stream.
type StreamConfig struct {
	WSURL       string
	Symbols     []string
	DepthLevels int

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Stream is a combined aggTrade + partial depth WebSocket client for
// multiple symbols. One connection carries all subscribed streams.
type Stream struct {
	cfg       StreamConfig
	handler   Handler
	log       *logger.Logger
	reconnect *reconnect.Manager
	now       func() time.Time

	conn *websocket.Conn
}

// NewStream creates a stream client. It does not connect until Run.
func NewStream(cfg StreamConfig, handler Handler) (*Stream, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "no symbols to subscribe")
	}
	if cfg.DepthLevels == 0 {
		cfg.DepthLevels = 20
	}

	log := logger.Get().With("component", "binance_stream")
	return &Stream{
		cfg:     cfg,
		handler: handler,
		log:     log,
		now:     time.Now,
		reconnect: reconnect.NewManager(reconnect.Config{
			MinBackoff: cfg.MinBackoff,
			MaxBackoff: cfg.MaxBackoff,
		}, log),
	}, nil
}

// streamURL builds the combined stream endpoint, e.g.
// wss://host/stream?streams=btcusdt@aggTrade/btcusdt@depth20@100ms
func (s *Stream) streamURL() string {
	names := make([]string, 0, len(s.cfg.Symbols)*2)
	for _, symbol := range s.cfg.Symbols {
		lower := strings.ToLower(symbol)
		names = append(names,
			lower+"@aggTrade",
			fmt.Sprintf("%s@depth%d@100ms", lower, s.cfg.DepthLevels),
		)
	}
	return strings.TrimRight(s.cfg.WSURL, "/") + "/stream?streams=" + strings.Join(names, "/")
}

// Run connects and reads until the context is cancelled, reconnecting
// with backoff on connection loss. It returns the reconnect error when
// the retry budget is spent.
func (s *Stream) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return errors.Wrap(errors.ErrFeedNotConnected, err.Error())
	}

	for {
		err := s.readLoop(ctx)
		metrics.FeedConnections.WithLabelValues(exchangeName).Dec()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warnw("Feed connection lost, reconnecting", "error", err)

		if err := s.reconnect.Attempt(ctx, s.connect); err != nil {
			metrics.FeedReconnects.WithLabelValues(exchangeName, "failed").Inc()
			if !s.reconnect.ShouldRetry() {
				return errors.Wrap(errors.ErrFeedReconnectFailed, err.Error())
			}
			continue
		}
		metrics.FeedReconnects.WithLabelValues(exchangeName, "success").Inc()
	}
}

func (s *Stream) connect(ctx context.Context) error {
	url := s.streamURL()
	s.log.Infow("Connecting to market data stream", "url", url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", url)
	}

	s.conn = conn
	metrics.FeedConnections.WithLabelValues(exchangeName).Inc()
	s.log.Infow("Market data stream connected", "symbols", s.cfg.Symbols)
	return nil
}

func (s *Stream) readLoop(ctx context.Context) error {
	conn := s.conn
	defer conn.Close()

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.reconnect.RecordMessageReceived()

		if err := s.handleMessage(raw); err != nil {
			metrics.FeedMessages.WithLabelValues(exchangeName, "combined", "parse_error").Inc()
			s.log.Debugw("Dropping unparseable feed message", "error", err)
		}
	}
}

// combinedMessage is the envelope of the combined stream endpoint.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// aggTradeEvent mirrors the aggTrade payload. Prices and quantities
// arrive as strings.
type aggTradeEvent struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// depthEvent mirrors the partial book depth payload. The symbol is not
// in the payload, only in the stream name.
type depthEvent struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (s *Stream) handleMessage(raw []byte) error {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.Wrap(err, "unmarshal envelope")
	}
	if msg.Stream == "" || len(msg.Data) == 0 {
		// Subscription acks and pings carry no stream name.
		return nil
	}

	name, _, found := strings.Cut(msg.Stream, "@")
	if !found {
		return errors.Newf("unexpected stream name %q", msg.Stream)
	}
	symbol := strings.ToUpper(name)

	switch {
	case strings.Contains(msg.Stream, "@aggTrade"):
		return s.handleTrade(symbol, msg.Data)
	case strings.Contains(msg.Stream, "@depth"):
		return s.handleDepth(symbol, msg.Data)
	default:
		return errors.Newf("unknown stream %q", msg.Stream)
	}
}

func (s *Stream) handleTrade(symbol string, data json.RawMessage) error {
	var event aggTradeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.Wrap(err, "unmarshal aggTrade")
	}

	price, err := parseDecimal(event.Price)
	if err != nil {
		return errors.Wrapf(err, "parse trade price %q", event.Price)
	}
	quantity, err := parseDecimal(event.Quantity)
	if err != nil {
		return errors.Wrapf(err, "parse trade quantity %q", event.Quantity)
	}

	tick := marketdata.TradeTick{
		Timestamp: event.TradeTime,
		Price:     price,
		Quantity:  quantity,
		// Buyer being the maker means the seller hit the bid.
		IsAggressorSell: event.IsBuyerMaker,
	}

	metrics.FeedMessages.WithLabelValues(exchangeName, "aggTrade", "ok").Inc()
	s.handler.OnTrade(symbol, tick)
	return nil
}

func (s *Stream) handleDepth(symbol string, data json.RawMessage) error {
	var event depthEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.Wrap(err, "unmarshal depth")
	}

	bids, err := parseLevels(event.Bids)
	if err != nil {
		return errors.Wrap(err, "parse bids")
	}
	asks, err := parseLevels(event.Asks)
	if err != nil {
		return errors.Wrap(err, "parse asks")
	}

	snapshot := marketdata.OrderbookSnapshot{
		// Partial depth events carry no exchange timestamp.
		Timestamp: s.now().UnixMilli(),
		Bids:      bids,
		Asks:      asks,
	}

	metrics.FeedMessages.WithLabelValues(exchangeName, "depth", "ok").Inc()
	s.handler.OnDepth(symbol, snapshot)
	return nil
}

func parseLevels(raw [][]string) ([]marketdata.PriceLevel, error) {
	levels := make([]marketdata.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errors.Newf("malformed level %v", pair)
		}
		price, err := parseDecimal(pair[0])
		if err != nil {
			return nil, errors.Wrapf(err, "parse level price %q", pair[0])
		}
		quantity, err := parseDecimal(pair[1])
		if err != nil {
			return nil, errors.Wrapf(err, "parse level quantity %q", pair[1])
		}
		levels = append(levels, marketdata.PriceLevel{Price: price, Quantity: quantity})
	}
	return levels, nil
}
