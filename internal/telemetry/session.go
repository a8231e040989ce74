package telemetry

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"classpulse-backend/internal/models"
)

type SessionConfig struct {
	// ServerURL is the HTTP base of the telemetry server, e.g.
	// "https://api.example.com". The websocket and fallback endpoints are
	// derived from it.
	ServerURL string
	Token     string

	UserID      uuid.UUID
	DisplayName string
	Role        models.Role
	ScopeID     string

	// SpoolPath is the durable spool file for unsent events. Empty means
	// in-memory buffering only.
	SpoolPath string

	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int

	BaseDelay         time.Duration
	GrowthFactor      float64
	MaxAttempts       int
	HeartbeatInterval time.Duration

	OnState   func(ConnState)
	OnMessage func(models.WSMessage)
	OnError   func(error)
}

// Session is one client telemetry session: a connection manager, an event
// buffer, and page trackers sharing the same identity. Constructed
// explicitly and passed to consumers; there is no ambient global channel.
type Session struct {
	Conn   *ConnManager
	Buffer *EventBuffer

	cfg SessionConfig
}

func NewSession(cfg SessionConfig) (*Session, error) {
	wsURL, err := WebsocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	var store Store
	if cfg.SpoolPath != "" {
		fs, err := NewFileStore(cfg.SpoolPath)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	s := &Session{cfg: cfg}

	s.Conn = NewConnManager(ConnConfig{
		URL:               wsURL,
		Token:             cfg.Token,
		UserID:            cfg.UserID,
		DisplayName:       cfg.DisplayName,
		Role:              cfg.Role,
		ScopeID:           cfg.ScopeID,
		BaseDelay:         cfg.BaseDelay,
		GrowthFactor:      cfg.GrowthFactor,
		MaxAttempts:       cfg.MaxAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OnMessage:         cfg.OnMessage,
		OnError:           cfg.OnError,
		OnState: func(state ConnState) {
			// Reconciliation on reconnect: flush immediately rather
			// than waiting for the next timer tick.
			if state == StateConnected && s.Buffer != nil {
				s.Buffer.Kick()
			}
			if cfg.OnState != nil {
				cfg.OnState(state)
			}
		},
	})

	s.Buffer = NewEventBuffer(s.Conn, store, BufferConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxPending:    cfg.MaxPending,
		FallbackURL:   trackURL(cfg.ServerURL),
		Token:         cfg.Token,
	})

	return s, nil
}

// Start launches the buffer worker and begins connecting.
func (s *Session) Start() error {
	s.Buffer.Start()
	return s.Conn.Connect()
}

// Track records an activity event for eventual transmission.
func (s *Session) Track(ev models.ActivityEvent) {
	s.Buffer.Record(ev)
}

// NewPageTracker creates a tracker for one viewed document, emitting into
// this session's buffer.
func (s *Session) NewPageTracker(resourceID uuid.UUID, resourceKind string, page int) *PageTracker {
	return NewPageTracker(s.cfg.UserID, s.cfg.Role, resourceID, resourceKind, page, s.Buffer.Record)
}

// Close disconnects the channel and fires the unload fallback for anything
// still pending.
func (s *Session) Close() {
	s.Conn.Disconnect()
	s.Buffer.Close()
}

// WebsocketURL converts an http(s) base URL into the ws(s) channel endpoint.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/api/v1/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func trackURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	u.Path = "/api/v1/activities/track"
	return u.String()
}
