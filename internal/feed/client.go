package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/scorekeeper-sync/internal/obslog"
)

var ErrNotConnected = errors.New("feed not connected")

type eventEntry struct {
	id       int
	callback EventCallback
}

type stateEntry struct {
	id       int
	callback StateCallback
}

// Client is a reconnecting WebSocket subscriber. Subscriptions survive reconnects.
type Client struct {
	wsURL  string
	logger *zap.Logger

	conn   *websocket.Conn
	connM  sync.Mutex
	writeM sync.Mutex

	state  State
	stateM sync.RWMutex

	eventCbs []eventEntry
	stateCbs []stateEntry
	nextCbID int
	cbM      sync.RWMutex

	subs  map[string]struct{}
	subsM sync.Mutex

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	reconnecting         atomic.Bool

	pingInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReconnect sets how many dial attempts follow a dropped connection and the base delay
// they double from.
func WithReconnect(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxReconnectAttempts = maxAttempts
		if baseDelay > 0 {
			c.reconnectDelay = baseDelay
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headerProvider = h }
}

func NewClient(wsURL string, opts ...Option) *Client {
	c := &Client{
		wsURL:                wsURL,
		logger:               obslog.L(),
		state:                StateDisconnected,
		subs:                 make(map[string]struct{}),
		maxReconnectAttempts: 20,
		reconnectDelay:       100 * time.Millisecond,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Connect dials once. On failure a background reconnect is scheduled and the dial error
// returned.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case StateConnected, StateConnecting:
		return nil
	}
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	return conn, err
}

// attach installs conn, replays subscriptions and starts the read and ping loops.
func (c *Client) attach(conn *websocket.Conn) {
	c.connM.Lock()
	if c.conn != nil {
		c.connM.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return
	}
	c.conn = conn
	c.connM.Unlock()

	for _, matchID := range c.Subscriptions() {
		if err := c.send(c.rootCtx, controlFrame{Action: "subscribe", MatchID: matchID}); err != nil {
			c.logger.Warn("feed_resubscribe_failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}
	c.setState(StateConnected)
	c.logger.Info("feed_connected", zap.String("url", c.wsURL), zap.Int("subscriptions", len(c.Subscriptions())))

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.Read(c.rootCtx)
		if err != nil {
			if c.isStopping() {
				return
			}
			if websocket.CloseStatus(err) == -1 {
				c.logger.Warn("feed_read_failed", zap.Error(err))
			}
			c.drop(conn, "reconnect")
			return
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug("feed_frame_ignored", zap.Error(err))
			continue
		}
		if strings.TrimSpace(ev.MatchID) == "" {
			continue
		}

		c.cbM.RLock()
		callbacks := make([]eventEntry, len(c.eventCbs))
		copy(callbacks, c.eventCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(ev)
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if !c.isCurrent(conn) {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutivePingFailures++
				if consecutivePingFailures >= 2 {
					if c.isStopping() {
						return
					}
					c.drop(conn, "ping failure")
					return
				}
				continue
			}
			consecutivePingFailures = 0
		}
	}
}

// drop closes conn if it is still the active connection and schedules a reconnect.
func (c *Client) drop(conn *websocket.Conn, reason string) {
	c.connM.Lock()
	if c.conn != conn {
		c.connM.Unlock()
		return
	}
	c.conn = nil
	c.connM.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) isCurrent(conn *websocket.Conn) bool {
	c.connM.Lock()
	defer c.connM.Unlock()
	return c.conn == conn
}

func (c *Client) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.setState(StateReconnecting)

	go func() {
		defer c.reconnecting.Store(false)
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(c.reconnectDelay, attempt)):
			}

			conn, err := c.dial(c.rootCtx)
			if err != nil {
				c.logger.Debug("feed_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if c.isStopping() {
				_ = conn.Close(websocket.StatusNormalClosure, "close")
				return
			}
			c.attach(conn)
			return
		}
		c.logger.Error("feed_reconnect_exhausted", zap.Int("attempts", c.maxReconnectAttempts))
		c.setState(StateFailed)
	}()
}

// Subscribe registers interest in a match. The subscription is remembered and replayed after
// every reconnect; the send error only reports the current connection.
func (c *Client) Subscribe(ctx context.Context, matchID string) error {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return errors.New("match id is required")
	}
	c.subsM.Lock()
	c.subs[matchID] = struct{}{}
	c.subsM.Unlock()
	// attach installs the conn before it replays, so either the replay or this send covers it
	if err := c.send(ctx, controlFrame{Action: "subscribe", MatchID: matchID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, matchID string) error {
	matchID = strings.TrimSpace(matchID)
	c.subsM.Lock()
	_, ok := c.subs[matchID]
	delete(c.subs, matchID)
	c.subsM.Unlock()
	if !ok {
		return nil
	}
	if err := c.send(ctx, controlFrame{Action: "unsubscribe", MatchID: matchID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Subscriptions returns the remembered match ids in stable order.
func (c *Client) Subscriptions() []string {
	c.subsM.Lock()
	defer c.subsM.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// send serialises writes; wsjson.Write is not safe for concurrent use.
func (c *Client) send(ctx context.Context, v any) error {
	c.connM.Lock()
	conn := c.conn
	c.connM.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	dctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return wsjson.Write(dctx, conn, v)
}

func (c *Client) OnEvent(cb EventCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.eventCbs = append(c.eventCbs, eventEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveEventCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.eventCbs {
		if cb.id == id {
			c.eventCbs = append(c.eventCbs[:i], c.eventCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.stateCbs = append(c.stateCbs, stateEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.stateCbs {
		if cb.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.stateM.Lock()
	changed := c.state != state
	c.state = state
	c.stateM.Unlock()
	if !changed {
		return
	}

	c.cbM.RLock()
	callbacks := make([]stateEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connM.Lock()
	conn := c.conn
	c.conn = nil
	c.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headerProvider == nil {
		return hdr
	}
	for k, v := range c.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * base
}
