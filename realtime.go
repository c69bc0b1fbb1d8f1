package tide

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time clients.
type RealtimeConfig struct {
	BaseURL              string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu                sync.RWMutex
	generic           map[string][]RealtimeEventHandler
	onChatMessage     []func(ChatMessagePayload)
	onMessageStatus   []func(MessageStatusPayload)
	onReadStatus      []func(ReadStatusPayload)
	onInitialMessages []func(InitialMessagesPayload)
	onUnreadCount     []func(UnreadCountPayload)
	onConnected       []func()
	onDisconnected    []func(int, string)
	onReconnecting    []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// dispatch delivers one envelope. Typed handlers run synchronously on the
// caller's goroutine so consumers that update state see events in the order
// the read loop received them. Generic handlers are observers and fan out on
// their own goroutines.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	chat := append([]func(ChatMessagePayload){}, d.onChatMessage...)
	status := append([]func(MessageStatusPayload){}, d.onMessageStatus...)
	read := append([]func(ReadStatusPayload){}, d.onReadStatus...)
	initial := append([]func(InitialMessagesPayload){}, d.onInitialMessages...)
	unread := append([]func(UnreadCountPayload){}, d.onUnreadCount...)
	generic := append([]RealtimeEventHandler{}, d.generic[env.Type]...)
	d.mu.RUnlock()

	// Typed handlers. Unknown event types fall through to the generic
	// handlers only, so newer servers never break older clients.
	switch env.Type {
	case EventChatMessage:
		var p ChatMessagePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range chat {
				h(p)
			}
		}
	case EventMessageStatus:
		var p MessageStatusPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range status {
				h(p)
			}
		}
	case EventReadStatus:
		var p ReadStatusPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range read {
				h(p)
			}
		}
	case EventInitialMessages:
		var p InitialMessagesPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range initial {
				h(p)
			}
		}
	case EventUnreadCount:
		var p UnreadCountPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range unread {
				h(p)
			}
		}
	}

	// Generic handlers
	for _, h := range generic {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient (WebSocket)
// ============================================================================

// RealtimeClient is a WebSocket event-stream client with auto-reconnect and
// heartbeat. It is the push side of the sync engine: server-originated events
// only, no client commands beyond the heartbeat.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewRealtimeClient creates a WebSocket client. Call Connect() to establish
// the connection.
func NewRealtimeClient(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnChatMessage registers a handler for newly created messages.
func (ws *RealtimeClient) OnChatMessage(h func(ChatMessagePayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onChatMessage = append(ws.dispatcher.onChatMessage, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageStatus registers a handler for delivery-state changes.
func (ws *RealtimeClient) OnMessageStatus(h func(MessageStatusPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageStatus = append(ws.dispatcher.onMessageStatus, h)
	ws.dispatcher.mu.Unlock()
}

// OnReadStatus registers a handler for read receipts.
func (ws *RealtimeClient) OnReadStatus(h func(ReadStatusPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReadStatus = append(ws.dispatcher.onReadStatus, h)
	ws.dispatcher.mu.Unlock()
}

// OnInitialMessages registers a handler for server-pushed backlogs.
func (ws *RealtimeClient) OnInitialMessages(h func(InitialMessagesPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onInitialMessages = append(ws.dispatcher.onInitialMessages, h)
	ws.dispatcher.mu.Unlock()
}

// OnUnreadCount registers a handler for authoritative unread counters.
func (ws *RealtimeClient) OnUnreadCount(h func(UnreadCountPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onUnreadCount = append(ws.dispatcher.onUnreadCount, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (ws *RealtimeClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == "pong" {
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			conn := ws.conn
			s := ws.state
			ws.mu.Unlock()
			if s != StateConnected || conn == nil {
				return
			}

			ping, _ := json.Marshal(Envelope{Type: "ping"})
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = StateReconnecting
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	time.Sleep(delay)

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
		}
	}
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE event-stream client (server-push only) with
// auto-reconnect, for environments where WebSockets are blocked.
type RealtimeSSEClient struct {
	baseURL          string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewRealtimeSSEClient creates an SSE client. Call Connect() to establish
// the connection.
func NewRealtimeSSEClient(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeSSEClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnChatMessage registers a handler for newly created messages.
func (sse *RealtimeSSEClient) OnChatMessage(h func(ChatMessagePayload)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onChatMessage = append(sse.dispatcher.onChatMessage, h)
	sse.dispatcher.mu.Unlock()
}

// OnMessageStatus registers a handler for delivery-state changes.
func (sse *RealtimeSSEClient) OnMessageStatus(h func(MessageStatusPayload)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onMessageStatus = append(sse.dispatcher.onMessageStatus, h)
	sse.dispatcher.mu.Unlock()
}

// OnReadStatus registers a handler for read receipts.
func (sse *RealtimeSSEClient) OnReadStatus(h func(ReadStatusPayload)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onReadStatus = append(sse.dispatcher.onReadStatus, h)
	sse.dispatcher.mu.Unlock()
}

// OnInitialMessages registers a handler for server-pushed backlogs.
func (sse *RealtimeSSEClient) OnInitialMessages(h func(InitialMessagesPayload)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onInitialMessages = append(sse.dispatcher.onInitialMessages, h)
	sse.dispatcher.mu.Unlock()
}

// OnUnreadCount registers a handler for authoritative unread counters.
func (sse *RealtimeSSEClient) OnUnreadCount(h func(UnreadCountPayload)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onUnreadCount = append(sse.dispatcher.onUnreadCount, h)
	sse.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (sse *RealtimeSSEClient) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sse *RealtimeSSEClient) OnDisconnected(h func(code int, reason string)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (sse *RealtimeSSEClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onReconnecting = append(sse.dispatcher.onReconnecting, h)
	sse.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (sse *RealtimeSSEClient) On(eventType string, h RealtimeEventHandler) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.generic[eventType] = append(sse.dispatcher.generic[eventType], h)
	sse.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect establishes the SSE connection.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	sseURL := sse.baseURL + "/sse?token=" + sse.config.Token

	req, err := http.NewRequestWithContext(ctx, "GET", sseURL, nil)
	if err != nil {
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	sse.mu.Lock()
	sse.cancelFn = cancel
	sse.mu.Unlock()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)

	return nil
}

// Disconnect closes the SSE connection.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			jsonStr := strings.TrimPrefix(line, "data: ")
			var env Envelope
			if json.Unmarshal([]byte(jsonStr), &env) == nil {
				sse.dispatcher.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.mu.Lock()
	sse.state = StateDisconnected
	sse.mu.Unlock()
	sse.dispatcher.emitDisconnected(0, "stream ended")

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect(ctx)
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			sse.mu.Unlock()
			if stale {
				if sse.cancelFn != nil {
					sse.cancelFn()
				}
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect(ctx context.Context) {
	delay := sse.recon.nextDelay()
	sse.mu.Lock()
	sse.state = StateReconnecting
	sse.mu.Unlock()

	sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

	time.Sleep(delay)

	// Use background context since the old context is cancelled
	if err := sse.Connect(context.Background()); err != nil {
		if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
			sse.scheduleReconnect(context.Background())
		} else {
			sse.mu.Lock()
			sse.state = StateDisconnected
			sse.mu.Unlock()
		}
	}
}
