package exchange

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BITFINEX WEBSOCKET FEED - live ticker prices for subscribed symbols
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxReconnectAttempts  = 10
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 60 * time.Second
	wsPingInterval        = 30 * time.Second
)

// PriceHandler receives ticker updates. Handlers are invoked serially
// from the read loop, preserving per-symbol arrival order.
type PriceHandler func(symbol string, price decimal.Decimal)

// Feed maintains the WebSocket connection to the Bitfinex v2 ticker
// channel. The subscription set survives reconnects; when reconnection
// attempts are exhausted the feed stops and the daemon continues in
// polling-only mode.
type Feed struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	running   bool
	connected bool
	stopCh    chan struct{}

	subscribed map[string]bool  // short symbols
	channels   map[int64]string // channel id -> short symbol

	handlers []PriceHandler
}

// NewFeed creates a feed for the given WebSocket endpoint.
func NewFeed(wsURL string) *Feed {
	return &Feed{
		wsURL:      wsURL,
		stopCh:     make(chan struct{}),
		subscribed: make(map[string]bool),
		channels:   make(map[int64]string),
	}
}

// OnPrice registers a price handler. Must be called before Start.
func (f *Feed) OnPrice(handler PriceHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// Start connects and begins processing in the background.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.wsURL).Msg("📡 Price feed started")
}

// Stop closes the connection and halts reconnection.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Price feed stopped")
}

// IsConnected reports whether the socket is currently up.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Subscribed returns a copy of the current subscription set.
func (f *Feed) Subscribed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	return symbols
}

// SetSubscriptions replaces the subscription set with the given
// symbols, unsubscribing what dropped out and subscribing what is new.
func (f *Feed) SetSubscriptions(symbols []string) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	f.mu.Lock()
	var toSub, toUnsub []string
	for s := range want {
		if !f.subscribed[s] {
			toSub = append(toSub, s)
		}
	}
	for s := range f.subscribed {
		if !want[s] {
			toUnsub = append(toUnsub, s)
		}
	}
	f.mu.Unlock()

	for _, s := range toUnsub {
		f.unsubscribe(s)
	}
	for _, s := range toSub {
		f.subscribe(s)
	}

	if len(toSub) > 0 || len(toUnsub) > 0 {
		log.Info().
			Int("monitored", len(want)).
			Strs("added", toSub).
			Strs("removed", toUnsub).
			Msg("Subscriptions updated")
	}
}

func (f *Feed) subscribe(symbol string) {
	f.mu.Lock()
	conn := f.conn
	f.subscribed[symbol] = true
	f.mu.Unlock()

	if conn == nil {
		return // will subscribe on (re)connect
	}

	msg := map[string]any{
		"event":   "subscribe",
		"channel": "ticker",
		"symbol":  "t" + symbol + "F0:USTF0",
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Subscribe failed")
	}
}

func (f *Feed) unsubscribe(symbol string) {
	f.mu.Lock()
	delete(f.subscribed, symbol)
	conn := f.conn
	var channelID int64 = -1
	for id, s := range f.channels {
		if s == symbol {
			channelID = id
			break
		}
	}
	if channelID >= 0 {
		delete(f.channels, channelID)
	}
	f.mu.Unlock()

	if conn == nil || channelID < 0 {
		return
	}

	msg := map[string]any{
		"event":  "unsubscribe",
		"chanId": channelID,
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Unsubscribe failed")
	}
}

// connectionLoop maintains the connection with bounded exponential
// backoff. Attempts reset after every successful connect.
func (f *Feed) connectionLoop() {
	attempts := 0
	delay := initialReconnectDelay

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			attempts++
			if attempts >= maxReconnectAttempts {
				log.Error().
					Int("attempts", attempts).
					Msg("🔌 Reconnect attempts exhausted, continuing in polling-only mode")
				return
			}
			log.Warn().
				Err(err).
				Int("attempt", attempts).
				Int("max", maxReconnectAttempts).
				Dur("delay", delay).
				Msg("WebSocket connection failed, retrying")

			select {
			case <-f.stopCh:
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		attempts = 0
		delay = initialReconnectDelay
		f.readLoop()

		select {
		case <-f.stopCh:
			return
		case <-time.After(initialReconnectDelay):
		}
	}
}

// connect dials the endpoint and replays the subscription set.
func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.channels = make(map[int64]string)
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.mu.Unlock()

	log.Info().Msg("🔌 WebSocket connected")
	go f.pingLoop(conn)

	for _, s := range symbols {
		f.subscribe(s)
	}
	return nil
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			current := f.conn
			connected := f.connected
			f.mu.RUnlock()
			if !connected || current != conn {
				return
			}
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (f *Feed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket read error")
			f.mu.Lock()
			f.connected = false
			f.conn = nil
			f.mu.Unlock()
			conn.Close()
			return
		}

		f.handleMessage(message)
	}
}

// wsEvent is a Bitfinex event message (subscription bookkeeping).
type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Msg     string `json:"msg"`
	Version int    `json:"version"`
}

func (f *Feed) handleMessage(data []byte) {
	// Channel frames are arrays, events are objects.
	if len(data) > 0 && data[0] == '[' {
		f.handleChannelFrame(data)
		return
	}

	var event wsEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Warn().Str("raw", string(data)).Msg("Invalid WebSocket message")
		return
	}

	switch event.Event {
	case "subscribed":
		symbol := ShortSymbol(event.Symbol)
		f.mu.Lock()
		f.channels[event.ChanID] = symbol
		f.mu.Unlock()
		log.Debug().Int64("channel", event.ChanID).Str("symbol", symbol).Msg("Channel subscribed")
	case "unsubscribed":
		f.mu.Lock()
		delete(f.channels, event.ChanID)
		f.mu.Unlock()
	case "error":
		log.Error().Str("msg", event.Msg).Msg("WebSocket error event")
	case "info":
		if event.Version != 0 {
			log.Debug().Int("version", event.Version).Msg("WebSocket API version")
		}
	}
}

// handleChannelFrame processes [CHAN_ID, payload] frames. Ticker
// payload: [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE,
// DAILY_CHANGE_PERC, LAST_PRICE, VOLUME, HIGH, LOW].
func (f *Feed) handleChannelFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return
	}

	var channelID int64
	if err := json.Unmarshal(frame[0], &channelID); err != nil {
		return
	}

	// Heartbeats carry "hb" as payload.
	var hb string
	if err := json.Unmarshal(frame[1], &hb); err == nil && hb == "hb" {
		return
	}

	f.mu.RLock()
	symbol, ok := f.channels[channelID]
	handlers := f.handlers
	f.mu.RUnlock()
	if !ok {
		return
	}

	var ticker []any
	if err := json.Unmarshal(frame[1], &ticker); err != nil || len(ticker) < 7 {
		return
	}
	last, ok := ticker[6].(float64)
	if !ok {
		return
	}

	price := decimal.NewFromFloat(last)
	for _, handler := range handlers {
		handler(symbol, price)
	}
}
