package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"classpulse-backend/internal/models"
)

// ConnState is the connection manager's lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

var (
	// ErrAuthFailed indicates the credential was missing or rejected.
	// Unrecoverable by retry; reconnection halts until a fresh token.
	ErrAuthFailed = errors.New("telemetry: authentication rejected")

	// ErrReconnectExhausted indicates the backoff attempt cap was hit.
	ErrReconnectExhausted = errors.New("telemetry: reconnect attempts exhausted")

	// ErrNotConnected is returned by Send while the channel is down.
	ErrNotConnected = errors.New("telemetry: not connected")
)

type ConnConfig struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// Token is the JWT presented on every connection attempt.
	Token string

	UserID      uuid.UUID
	DisplayName string
	Role        models.Role
	ScopeID     string

	// Backoff: reconnect delay = BaseDelay * GrowthFactor^attempt, up to
	// MaxAttempts attempts.
	BaseDelay    time.Duration
	GrowthFactor float64
	MaxAttempts  int

	HeartbeatInterval time.Duration

	// OnState is invoked on every state transition.
	OnState func(ConnState)
	// OnMessage receives every inbound frame.
	OnMessage func(models.WSMessage)
	// OnError surfaces unrecoverable failures (ErrAuthFailed,
	// ErrReconnectExhausted).
	OnError func(error)
}

// ConnManager owns the single realtime channel for one client session and
// recovers transparently from drops. State transitions are serialized; a
// generation counter makes completions of superseded dials and reads no-ops.
type ConnManager struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	cfg   ConnConfig
	state ConnState
	conn  *websocket.Conn

	attempts       int
	gen            int
	reconnectTimer *time.Timer
	backoff        *backoff.ExponentialBackOff
	dialer         *websocket.Dialer
}

func NewConnManager(cfg ConnConfig) *ConnManager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = 1.5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}

	return &ConnManager{
		cfg:     cfg,
		state:   StateDisconnected,
		backoff: newBackOff(cfg.BaseDelay, cfg.GrowthFactor),
		dialer:  websocket.DefaultDialer,
	}
}

// newBackOff yields the deterministic delay sequence
// base, base*growth, base*growth^2, ...
func newBackOff(base time.Duration, growth float64) *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = growth
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Hour
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Connect starts an asynchronous connection attempt. Calling it while a
// connection is live or in progress is a no-op.
func (m *ConnManager) Connect() error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.Token == "" {
		m.mu.Unlock()
		m.fireError(ErrAuthFailed)
		return ErrAuthFailed
	}

	m.attempts = 0
	m.backoff.Reset()
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	m.fireState(StateConnecting)
	go m.dial(gen)
	return nil
}

// Disconnect tears down the channel and cancels any pending reconnect. The
// manager stays disconnected until Connect is called again; a dial already
// in flight is ignored when it completes.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()

	if changed {
		m.fireState(StateDisconnected)
	}
}

func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel can transmit right now.
func (m *ConnManager) Connected() bool {
	return m.State() == StateConnected
}

// Send transmits one frame. Fails immediately while disconnected; events
// must route to durable buffering instead.
func (m *ConnManager) Send(msg models.WSMessage) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// SendEvent transmits a single unbatched activity event.
func (m *ConnManager) SendEvent(ev models.ActivityEvent) error {
	return m.Send(models.NewWSMessage(models.MsgActivityEvent, ev))
}

// SendBatch transmits a batch from the event buffer.
func (m *ConnManager) SendBatch(events []models.ActivityEvent) error {
	return m.Send(models.NewWSMessage(models.MsgActivityBatch, events))
}

func (m *ConnManager) dial(gen int) {
	u, err := m.dialURL()
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		m.fireError(err)
		return
	}

	conn, resp, err := m.dialer.Dial(u, nil)

	m.mu.Lock()
	if gen != m.gen {
		// A newer Connect or Disconnect superseded this attempt.
		if conn != nil {
			conn.Close()
		}
		m.mu.Unlock()
		return
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			m.state = StateDisconnected
			m.mu.Unlock()
			m.fireState(StateDisconnected)
			m.fireError(ErrAuthFailed)
			return
		}
		m.scheduleReconnectLocked(gen, err)
		return
	}

	m.conn = conn
	m.attempts = 0
	m.backoff.Reset()
	m.state = StateConnected
	m.mu.Unlock()

	m.fireState(StateConnected)

	// Announce presence so the server adds us to the observation scope.
	join := models.PresenceJoin{
		UserID:      m.cfg.UserID,
		DisplayName: m.cfg.DisplayName,
		Role:        m.cfg.Role,
		ScopeID:     m.cfg.ScopeID,
		Timestamp:   time.Now().UTC(),
	}
	if err := m.Send(models.NewWSMessage(models.MsgPresenceJoin, join)); err != nil {
		log.Printf("conn: failed to send presence join: %v", err)
	}

	go m.readPump(gen, conn)
	go m.heartbeatLoop(gen, conn)
}

// scheduleReconnectLocked is called with m.mu held and releases it.
func (m *ConnManager) scheduleReconnectLocked(gen int, cause error) {
	if m.attempts >= m.cfg.MaxAttempts {
		m.state = StateDisconnected
		m.mu.Unlock()
		log.Printf("conn: giving up after %d attempts: %v", m.attempts, cause)
		m.fireState(StateDisconnected)
		m.fireError(ErrReconnectExhausted)
		return
	}

	m.attempts++
	delay := m.backoff.NextBackOff()
	m.state = StateReconnecting
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.mu.Unlock()
		m.fireState(StateConnecting)
		m.dial(gen)
	})
	m.mu.Unlock()

	log.Printf("conn: attempt %d failed, retrying in %s: %v", m.attempts, delay, cause)
	m.fireState(StateReconnecting)
}

func (m *ConnManager) readPump(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg models.WSMessage
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			continue
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(msg)
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.state == StateConnected {
		m.scheduleReconnectLocked(gen, errors.New("connection closed"))
		return
	}
	m.mu.Unlock()
}

// heartbeatLoop is bound to one connection. After a drop-and-reconnect the
// superseded loop must exit even though the manager is connected again, or
// quick reconnect cycles would stack loops and multiply the heartbeat rate.
func (m *ConnManager) heartbeatLoop(gen int, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		alive := gen == m.gen && m.state == StateConnected && m.conn == conn
		m.mu.Unlock()
		if !alive {
			return
		}

		hb := models.Heartbeat{ScopeID: m.cfg.ScopeID, Timestamp: time.Now().UTC()}
		if err := m.Send(models.NewWSMessage(models.MsgHeartbeat, hb)); err != nil {
			return
		}
	}
}

func (m *ConnManager) dialURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid channel URL: %w", err)
	}
	q := u.Query()
	q.Set("token", m.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *ConnManager) fireState(s ConnState) {
	if m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
}

func (m *ConnManager) fireError(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}
