package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// State is the connection state of a WSClient.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	defaultReadLimit   = 1 << 20
	defaultDialTimeout = 10 * time.Second
)

// Config configures a WSClient.
type Config struct {
	URL                  string
	Token                string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 means unlimited
	DisableReconnect     bool
	DialTimeout          time.Duration
	ReadLimit            int64
}

var _ Channel = (*WSClient)(nil)

// WSClient is a WebSocket Channel that reconnects with exponential backoff
// after unexpected disconnects.
type WSClient struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	intentional bool
	runCtx      context.Context
	cancel      context.CancelFunc
	recon       *reconnector
}

// NewWSClient creates a disconnected client.
func NewWSClient(cfg Config, logger *zap.Logger) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &WSClient{
		cfg:        cfg,
		dispatcher: NewDispatcher(logger),
		logger:     logger,
		state:      StateDisconnected,
		recon:      newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
	}
}

func (ws *WSClient) Subscribe(fn func(Event)) func() {
	return ws.dispatcher.Subscribe(fn)
}

func (ws *WSClient) State() State {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSClient) Connected() bool {
	return ws.State() == StateConnected
}

// Connect dials the server. ctx bounds the dial only; the connection then
// lives until Disconnect. Calling Connect while connected is a no-op.
func (ws *WSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentional = false
	if ws.runCtx == nil {
		ws.runCtx, ws.cancel = context.WithCancel(context.Background())
	}
	runCtx := ws.runCtx
	ws.mu.Unlock()

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return err
	}
	ws.attach(runCtx, conn)
	return nil
}

func (ws *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, ws.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if ws.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+ws.cfg.Token)
	}
	conn, _, err := websocket.Dial(ctx, ws.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.cfg.ReadLimit)
	return conn, nil
}

func (ws *WSClient) attach(ctx context.Context, conn *websocket.Conn) {
	ws.mu.Lock()
	if ws.intentional || ctx.Err() != nil || ws.conn != nil {
		ws.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, ReasonClientDisconnect)
		return
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.recon.markConnected()
	ws.mu.Unlock()

	ws.logger.Info("realtime connected", zap.String("url", ws.cfg.URL))
	ws.dispatcher.Dispatch(ConnectionEvent{Connected: true})
	go ws.readLoop(ctx, conn)
}

// Disconnect closes the connection and stops reconnecting.
func (ws *WSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentional = true
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.runCtx, ws.cancel = nil, nil
	conn := ws.conn
	ws.conn = nil
	wasConnected := ws.state == StateConnected
	ws.state = StateDisconnected
	ws.recon.reset()
	ws.mu.Unlock()

	if conn != nil {
		// The close handshake waits on the peer; do not hold the caller.
		go func() { _ = conn.Close(websocket.StatusNormalClosure, ReasonClientDisconnect) }()
	}
	if wasConnected {
		ws.logger.Info("realtime disconnected")
		ws.dispatcher.Dispatch(ConnectionEvent{Connected: false, Reason: ReasonClientDisconnect})
	}
	return nil
}

func (ws *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			if ws.intentional || ctx.Err() != nil || ws.conn != conn {
				ws.mu.Unlock()
				return
			}
			ws.conn = nil
			ws.state = StateDisconnected
			reconnect := !ws.cfg.DisableReconnect
			ws.mu.Unlock()

			reason := err.Error()
			if status := websocket.CloseStatus(err); status != -1 {
				reason = fmt.Sprintf("closed: %d", status)
			}
			ws.logger.Warn("realtime connection lost", zap.String("reason", reason))
			ws.dispatcher.Dispatch(ConnectionEvent{Connected: false, Reason: reason})

			if reconnect {
				go ws.reconnectLoop(ctx)
			}
			return
		}

		if isControl(data) {
			continue
		}
		evt, err := Parse(data)
		if err != nil {
			ws.logger.Debug("dropping realtime frame", zap.Error(err))
			continue
		}
		ws.dispatcher.Dispatch(evt)
	}
}

func (ws *WSClient) reconnectLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		if ws.intentional || ctx.Err() != nil {
			ws.mu.Unlock()
			return
		}
		if !ws.recon.shouldReconnect() {
			ws.state = StateDisconnected
			ws.mu.Unlock()
			ws.logger.Warn("realtime reconnect attempts exhausted")
			ws.dispatcher.Dispatch(ConnectionEvent{Connected: false, Reason: ReasonReconnectExhausted})
			return
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.logger.Info("realtime reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := ws.dial(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			ws.logger.Debug("realtime reconnect failed", zap.Error(err))
			continue
		}
		ws.attach(ctx, conn)
		return
	}
}
