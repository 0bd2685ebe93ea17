package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// FeedConfig holds configuration for the market-data feed.
type FeedConfig struct {
	URL              string
	Logger           ports.Logger
	HandshakeTimeout time.Duration // bound on the initial dial, default 10s
	ReadTimeout      time.Duration // silence window before the conn is assumed dead
	PingInterval     time.Duration
	BufferSize       int // tick channel capacity
	BackoffMin       time.Duration
	BackoffMax       time.Duration
}

// Feed implements ports.FeedClient over the CLOB market websocket channel.
//
// One goroutine owns the connection: it dials, subscribes, reads, and on any
// transport-level failure reconnects with capped exponential backoff and
// resubscribes the full current slot set. Duplicate events replayed by the
// server's initial dump after a reconnect are suppressed by tracking the last
// emitted exchange timestamp per token.
type Feed struct {
	cfg    FeedConfig
	logger ports.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	bySlot  map[string]domain.MarketSlot // slot ID -> slot
	byToken map[string]tokenBinding      // token ID -> slot + side
	lastTS  map[string]int64             // token ID -> last emitted exchange millis

	ticks   chan domain.Tick
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	errMu    sync.Mutex
	fatalErr error
}

// tokenBinding maps a CLOB token back to its slot and outcome side.
type tokenBinding struct {
	slot domain.MarketSlot
	side domain.Side
}

// NewFeed creates a market-data feed client. Connect must be called before
// ticks are produced.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for feed client")
	}
	if cfg.URL == "" {
		cfg.URL = defaultFeedURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}

	return &Feed{
		cfg:     cfg,
		logger:  cfg.Logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		bySlot:  make(map[string]domain.MarketSlot),
		byToken: make(map[string]tokenBinding),
		lastTS:  make(map[string]int64),
		ticks:   make(chan domain.Tick, cfg.BufferSize),
	}, nil
}

// Connect establishes the streaming connection and starts the read loop.
// A failed initial handshake is fatal: it cannot be told apart from an
// authentication or protocol-version mismatch, and retrying it blindly would
// mask a misconfiguration.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("feed already connected")
	}
	f.started = true
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		return fmt.Errorf("initial feed handshake: %w: %w", ports.ErrConnectionFailed, err)
	}

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	f.mu.Lock()
	f.conn = conn
	subscribeErr := f.writeSubscribeLocked(conn)
	f.mu.Unlock()
	if subscribeErr != nil {
		conn.Close()
		f.cancel()
		return fmt.Errorf("initial subscription: %w: %w", ports.ErrConnectionFailed, subscribeErr)
	}

	go f.run(conn)
	f.logger.Info(ctx, "Feed connected", map[string]interface{}{"url": f.cfg.URL})
	return nil
}

// Subscribe replaces the active subscription set with the given slots.
// Resubscribing an unchanged set is a no-op.
func (f *Feed) Subscribe(ctx context.Context, slots []domain.MarketSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sameSlotSetLocked(slots) {
		f.logger.Debug(ctx, "Subscription unchanged, skipping", map[string]interface{}{"slots": len(slots)})
		return nil
	}

	f.bySlot = make(map[string]domain.MarketSlot, len(slots))
	f.byToken = make(map[string]tokenBinding, 2*len(slots))
	for _, s := range slots {
		f.bySlot[s.SlotID] = s
		f.byToken[s.UpTokenID] = tokenBinding{slot: s, side: domain.SideUp}
		f.byToken[s.DownTokenID] = tokenBinding{slot: s, side: domain.SideDown}
	}
	// Drop dedup state for tokens that left the set.
	for token := range f.lastTS {
		if _, ok := f.byToken[token]; !ok {
			delete(f.lastTS, token)
		}
	}

	if f.conn == nil {
		// Not connected yet; the set is picked up by the next (re)connect.
		return nil
	}
	if err := f.writeSubscribeLocked(f.conn); err != nil {
		// The write failing means the transport is going down; the reconnect
		// loop resubscribes the full set, so the new set is not lost.
		f.logger.Warn(ctx, "Subscribe write failed, deferring to reconnect", map[string]interface{}{"err": err.Error()})
		return nil
	}
	f.logger.Info(ctx, "Subscription replaced", map[string]interface{}{"slots": len(slots), "tokens": len(f.byToken)})
	return nil
}

// Ticks returns the bounded tick channel.
func (f *Feed) Ticks() <-chan domain.Tick {
	return f.ticks
}

// Err returns the fatal error that terminated the stream, if any.
func (f *Feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.fatalErr
}

// Close tears down the connection and stops the read loop.
func (f *Feed) Close() error {
	f.mu.Lock()
	started := f.started
	conn := f.conn
	f.mu.Unlock()

	if !started {
		return nil
	}
	f.cancel()
	if conn != nil {
		conn.Close()
	}
	<-f.done
	return nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, fmt.Errorf("feed rejected handshake with %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// writeSubscribeLocked sends the market-channel subscription frame for the
// current token set. Caller holds f.mu.
func (f *Feed) writeSubscribeLocked(conn *websocket.Conn) error {
	assetIDs := make([]string, 0, len(f.byToken))
	for token := range f.byToken {
		assetIDs = append(assetIDs, token)
	}
	frame := wsSubscription{
		AssetIDs:    assetIDs,
		Type:        "market",
		InitialDump: true,
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(frame)
}

// sameSlotSetLocked reports whether slots matches the active set. Caller holds f.mu.
func (f *Feed) sameSlotSetLocked(slots []domain.MarketSlot) bool {
	if len(slots) != len(f.bySlot) {
		return false
	}
	for _, s := range slots {
		if _, ok := f.bySlot[s.SlotID]; !ok {
			return false
		}
	}
	return true
}

// run owns the connection lifecycle: read until failure, then reconnect with
// backoff and a full resubscribe. Exits on context cancellation or fatal error.
func (f *Feed) run(conn *websocket.Conn) {
	defer close(f.done)
	defer close(f.ticks)

	retry := &backoff.Backoff{
		Min:    f.cfg.BackoffMin,
		Max:    f.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := f.readLoop(conn)
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()

		if f.ctx.Err() != nil {
			f.logger.Info(f.ctx, "Feed stopped", nil)
			return
		}
		if isFatal(err) {
			f.setFatal(fmt.Errorf("feed terminated: %w: %w", ports.ErrConnectionFailed, err))
			f.logger.Error(f.ctx, err, "Feed hit fatal error, shutting down")
			return
		}
		f.logger.Warn(f.ctx, "Feed disconnected, reconnecting", map[string]interface{}{"err": err.Error()})

		// Reconnect with capped exponential backoff.
		for {
			select {
			case <-time.After(retry.Duration()):
			case <-f.ctx.Done():
				return
			}

			newConn, dialErr := f.dial(f.ctx)
			if dialErr != nil {
				if isFatal(dialErr) {
					f.setFatal(fmt.Errorf("feed reconnect rejected: %w: %w", ports.ErrConnectionFailed, dialErr))
					f.logger.Error(f.ctx, dialErr, "Feed reconnect rejected, shutting down")
					return
				}
				f.logger.Warn(f.ctx, "Feed reconnect failed, backing off", map[string]interface{}{"err": dialErr.Error()})
				continue
			}

			f.mu.Lock()
			f.conn = newConn
			subErr := f.writeSubscribeLocked(newConn)
			f.mu.Unlock()
			if subErr != nil {
				newConn.Close()
				f.logger.Warn(f.ctx, "Resubscribe failed, backing off", map[string]interface{}{"err": subErr.Error()})
				continue
			}
			retry.Reset()
			f.logger.Info(f.ctx, "Feed reconnected and resubscribed", nil)
			conn = newConn
			break
		}
	}
}

// readLoop reads and dispatches messages until the connection fails.
func (f *Feed) readLoop(conn *websocket.Conn) error {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		return nil
	})

	// Keepalive pings; the server drops silent clients.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-f.ctx.Done():
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		events, err := decodeEvents(msg)
		if err != nil {
			// Malformed payload: drop the message, keep the connection.
			f.logger.Warn(f.ctx, "Discarding malformed feed payload", map[string]interface{}{
				"err": fmt.Errorf("%w: %w", ports.ErrDataIntegrity, err).Error(),
			})
			continue
		}
		for _, ev := range events {
			tick, ok := f.tickFromEvent(ev)
			if !ok {
				continue
			}
			select {
			case f.ticks <- tick:
			case <-f.ctx.Done():
				return f.ctx.Err()
			}
		}
	}
}

// decodeEvents parses a market-channel message. The server sends either a
// single event object or an array of them.
func decodeEvents(msg []byte) ([]wsEvent, error) {
	trimmed := firstNonSpace(msg)
	switch trimmed {
	case '[':
		var events []wsEvent
		if err := json.Unmarshal(msg, &events); err != nil {
			return nil, err
		}
		return events, nil
	case '{':
		var ev wsEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return nil, err
		}
		return []wsEvent{ev}, nil
	default:
		return nil, fmt.Errorf("unexpected payload start %q", trimmed)
	}
}

func firstNonSpace(msg []byte) byte {
	for _, b := range msg {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// tickFromEvent translates one event into a tick for the slot bound to its
// token. Events for unknown tokens, without a usable price, or already emitted
// (reconnect replay) are skipped.
func (f *Feed) tickFromEvent(ev wsEvent) (domain.Tick, bool) {
	f.mu.Lock()
	binding, known := f.byToken[ev.AssetID]
	f.mu.Unlock()
	if !known {
		return domain.Tick{}, false
	}

	price, ok := eventPrice(ev)
	if !ok {
		if ev.EventType == "book" || ev.EventType == "last_trade_price" {
			f.logger.Debug(f.ctx, "Feed event without usable price", map[string]interface{}{
				"eventType": ev.EventType, "asset": binding.slot.Asset,
			})
		}
		return domain.Tick{}, false
	}
	// Normalize to the probability of the up outcome.
	if binding.side == domain.SideDown {
		price = 1 - price
	}
	if price < 0 || price > 1 {
		f.logger.Warn(f.ctx, "Discarding out-of-range price", map[string]interface{}{
			"price": price, "slotID": binding.slot.SlotID,
		})
		return domain.Tick{}, false
	}

	// The initial dump after a resubscribe replays the current state; the
	// exchange timestamp tells a replay apart from fresh data.
	if ts, err := strconv.ParseInt(ev.Timestamp, 10, 64); err == nil && ts > 0 {
		f.mu.Lock()
		last := f.lastTS[ev.AssetID]
		if ts <= last {
			f.mu.Unlock()
			return domain.Tick{}, false
		}
		f.lastTS[ev.AssetID] = ts
		f.mu.Unlock()
	}

	return domain.Tick{
		SlotID:     binding.slot.SlotID,
		Asset:      binding.slot.Asset,
		Price:      price,
		ReceivedAt: time.Now().UTC(),
	}, true
}

// eventPrice extracts a price from an event: the traded price when present,
// otherwise the book midpoint.
func eventPrice(ev wsEvent) (float64, bool) {
	if ev.Price != "" {
		p, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return 0, false
		}
		return p, true
	}
	if len(ev.Bids) == 0 || len(ev.Asks) == 0 {
		return 0, false
	}
	bestBid, err1 := strconv.ParseFloat(ev.Bids[len(ev.Bids)-1].Price, 64)
	bestAsk, err2 := strconv.ParseFloat(ev.Asks[len(ev.Asks)-1].Price, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return (bestBid + bestAsk) / 2, true
}

// isFatal classifies connection errors. Handshake rejections and protocol
// violations will not be fixed by retrying; everything transport-shaped is
// transient.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return true
	}
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseUnsupportedData) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false // timeouts and resets are transient
	}
	if websocket.IsUnexpectedCloseError(err) {
		return false // server-initiated close, reconnect
	}
	return false
}

func (f *Feed) setFatal(err error) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	if f.fatalErr == nil {
		f.fatalErr = err
	}
}
