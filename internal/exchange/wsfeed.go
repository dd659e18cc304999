package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MidUpdate is a single symbol's mid-price observation off the wire.
type MidUpdate struct {
	Symbol    string
	Mid       decimal.Decimal
	Timestamp time.Time
}

// WSFeedConfig controls WSFeed's connection and reconnection behavior.
type WSFeedConfig struct {
	URL               string
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	MaxReconnects     int
}

// DefaultWSFeedConfig points at a Hyperliquid-class venue's public
// allMids channel with reconnect/heartbeat settings sized for a strategy
// loop that ticks on a ~1s cadence.
func DefaultWSFeedConfig(url string) WSFeedConfig {
	return WSFeedConfig{
		URL:               url,
		ReconnectInterval: 5 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		MaxReconnects:     10,
	}
}

// WSFeed streams mid-price updates over a public WebSocket channel and
// republishes them on a buffered channel, so a slow or blocked consumer
// (an estimator, a paper adapter's mid seed) never stalls the read loop
// (spec §5 suspension points; §6 external interfaces).
type WSFeed struct {
	cfg    WSFeedConfig
	dialer *websocket.Dialer

	mu                sync.Mutex
	conn              *websocket.Conn
	subscribed        map[string]bool
	reconnectAttempts int

	mids chan MidUpdate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSFeed builds a feed against cfg.URL. Call Start to connect and begin
// reading; symbols passed to Subscribe before Start are queued and sent
// once the connection is up.
func NewWSFeed(cfg WSFeedConfig) *WSFeed {
	return &WSFeed{
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subscribed: make(map[string]bool),
		mids:       make(chan MidUpdate, 256),
	}
}

// Mids returns the channel MidUpdates are published on. Never closed while
// the feed is running; closed once Close returns.
func (f *WSFeed) Mids() <-chan MidUpdate {
	return f.mids
}

// Start dials the venue and begins the read and heartbeat loops. ctx
// cancellation stops both; the connection itself is closed by Close.
func (f *WSFeed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	if err := f.connect(); err != nil {
		return fmt.Errorf("wsfeed: initial connect: %w", err)
	}

	f.wg.Add(2)
	go f.readLoop()
	go f.heartbeatLoop()
	return nil
}

// Subscribe adds symbol to the allMids subscription set, sending
// the subscribe frame immediately if the connection is already up.
func (f *WSFeed) Subscribe(symbol string) error {
	f.mu.Lock()
	already := f.subscribed[symbol]
	f.subscribed[symbol] = true
	conn := f.conn
	f.mu.Unlock()

	if already || conn == nil {
		return nil
	}
	return f.sendSubscribe(symbol)
}

// Close stops the feed's background loops and closes the connection.
func (f *WSFeed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.mids)
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connect() error {
	conn, _, err := f.dialer.Dial(f.cfg.URL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.reconnectAttempts = 0
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.mu.Unlock()

	for _, s := range symbols {
		if err := f.sendSubscribe(s); err != nil {
			log.Warn().Err(err).Str("symbol", s).Msg("wsfeed resubscribe failed")
		}
	}
	return nil
}

func (f *WSFeed) sendSubscribe(symbol string) error {
	frame := struct {
		Method      string `json:"method"`
		Subscription struct {
			Type string `json:"type"`
			Coin string `json:"coin"`
		} `json:"subscription"`
	}{Method: "subscribe"}
	frame.Subscription.Type = "allMids"
	frame.Subscription.Coin = symbol

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsfeed: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (f *WSFeed) readLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			if err := f.reconnect(); err != nil {
				log.Error().Err(err).Msg("wsfeed reconnect exhausted")
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("wsfeed read failed, reconnecting")
			f.mu.Lock()
			f.conn = nil
			f.mu.Unlock()
			continue
		}

		f.dispatch(data)
	}
}

// allMidsMessage matches the venue's {"channel":"allMids","data":{"mids":{...}}}
// frame shape.
type allMidsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

func (f *WSFeed) dispatch(data []byte) {
	var msg allMidsMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel != "allMids" {
		return
	}

	now := time.Now()
	for symbol, raw := range msg.Data.Mids {
		f.mu.Lock()
		wanted := f.subscribed[symbol]
		f.mu.Unlock()
		if !wanted {
			continue
		}

		mid, err := decimal.NewFromString(raw)
		if err != nil {
			log.Warn().Str("symbol", symbol).Str("raw", raw).Msg("wsfeed: unparseable mid")
			continue
		}

		update := MidUpdate{Symbol: symbol, Mid: mid, Timestamp: now}
		select {
		case f.mids <- update:
		default:
			log.Warn().Str("symbol", symbol).Msg("wsfeed: consumer too slow, dropping mid update")
		}
	}
}

func (f *WSFeed) heartbeatLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			f.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				log.Warn().Err(err).Msg("wsfeed ping failed")
			}
		}
	}
}

func (f *WSFeed) reconnect() error {
	f.mu.Lock()
	if f.reconnectAttempts >= f.cfg.MaxReconnects {
		f.mu.Unlock()
		return fmt.Errorf("wsfeed: max reconnect attempts (%d) exceeded", f.cfg.MaxReconnects)
	}
	f.reconnectAttempts++
	attempt := f.reconnectAttempts
	f.mu.Unlock()

	select {
	case <-f.ctx.Done():
		return f.ctx.Err()
	case <-time.After(f.cfg.ReconnectInterval):
	}

	log.Info().Int("attempt", attempt).Int("max", f.cfg.MaxReconnects).Msg("wsfeed reconnecting")
	return f.connect()
}
