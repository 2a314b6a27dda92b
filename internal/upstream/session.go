// Package upstream implements the Upstream Event Session (§4.2): one
// long-lived WebSocket connection per active tenant to the third-party
// event bus, materializing a fixed subscription catalog and emitting
// normalized events onto the shared event bus.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"overlaycaster/internal/corerr"
	"overlaycaster/internal/events"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

// State is the per-connection protocol state machine (§4.2).
type State int

const (
	StateConnecting State = iota
	StateAwaitingWelcome
	StateRunning
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingWelcome:
		return "awaiting-welcome"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	keepaliveWindow   = 60 * time.Second
	maxReconnectDelay = 30 * time.Second
	subscribeTimeout  = 10 * time.Second
)

// TokenSource supplies a currently-valid access token and the reactive
// 401 handling path, satisfied by internal/tokenbroker.Broker.
type TokenSource interface {
	GetAccessToken(ctx context.Context, tenantID string) (string, error)
	OnReactiveUnauthorized(ctx context.Context, tenantID string) (string, error)
}

// SubscriptionClient issues the upstream HTTP subscription-creation
// calls. Production wiring hits the real event-bus API; tests supply a
// fake.
type SubscriptionClient interface {
	CreateSubscription(ctx context.Context, accessToken, subType string, condition map[string]string, sessionID string) (subscriptionID string, status int, err error)
}

// frame kinds from the upstream WebSocket protocol (§4.2, §6).
type frameKind string

const (
	frameWelcome      frameKind = "welcome"
	frameKeepalive    frameKind = "keepalive"
	frameNotification frameKind = "notification"
	frameReconnect    frameKind = "reconnect"
	frameRevocation   frameKind = "revocation"
)

type inboundFrame struct {
	Kind    frameKind       `json:"kind"`
	Session struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
	Reconnect struct {
		URL string `json:"url"`
	} `json:"reconnect,omitempty"`
	Revocation struct {
		SubscriptionID string `json:"subscriptionId"`
	} `json:"revocation,omitempty"`
	Notification struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"notification,omitempty"`
}

// catalogEntry is one (type, condition) pair materialized on every
// fresh welcome (§4.2).
type catalogEntry struct {
	subType   string
	condition map[string]string
}

// DefaultCatalog returns the fixed subscription set every tenant
// receives once bound to a broadcaster account (§4.2).
func DefaultCatalog(broadcasterUserID string) []catalogEntry {
	cond := map[string]string{"broadcasterUserId": broadcasterUserID}
	return []catalogEntry{
		{subType: "stream-online", condition: cond},
		{subType: "stream-offline", condition: cond},
		{subType: "follow", condition: cond},
		{subType: "subscribe", condition: cond},
		{subType: "subscribe-gift", condition: cond},
		{subType: "subscribe-message", condition: cond},
		{subType: "cheer", condition: cond},
		{subType: "raid", condition: cond},
		{subType: "channel-point-reward-redeemed", condition: cond},
	}
}

// Session owns a single tenant's upstream WebSocket connection and its
// subscription set; destroyed when the session closes (§3).
type Session struct {
	tenantID string
	wsURL    string
	tokens   TokenSource
	subs     SubscriptionClient
	bus      *events.Bus
	logger   logging.Logger
	onAuthRevoked func(tenantID string)

	mu            sync.RWMutex
	state         State
	conn          *websocket.Conn
	sessionID     string
	subscriptions map[string]models.Subscription
	lastConnected time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Config configures a new Session.
type Config struct {
	TenantID      string
	WebSocketURL  string
	Tokens        TokenSource
	Subscriptions SubscriptionClient
	Bus           *events.Bus
	Logger        logging.Logger
	OnAuthRevoked func(tenantID string)
}

func New(cfg Config) *Session {
	return &Session{
		tenantID:      cfg.TenantID,
		wsURL:         cfg.WebSocketURL,
		tokens:        cfg.Tokens,
		subs:          cfg.Subscriptions,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		onAuthRevoked: cfg.OnAuthRevoked,
		state:         StateConnecting,
		subscriptions: make(map[string]models.Subscription),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the connect/read/reconnect loop in the background.
// Every `prep` transition calls Start on a fresh Session (§4.7): no
// state is reused across instances.
func (s *Session) Start(ctx context.Context, catalog []catalogEntry) {
	go s.run(ctx, catalog)
}

// Stop cancels the session and waits for the run loop to exit.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscriptions returns a snapshot of the active subscription set,
// backing GET /stream/monitor/status.
func (s *Session) Subscriptions() []models.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out
}

// LastConnected reports when the current (or most recent) connection
// completed its welcome handshake.
func (s *Session) LastConnected() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastConnected
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, catalog []catalogEntry) {
	defer close(s.doneCh)

	attempt := 0
	for {
		select {
		case <-s.stopCh:
			s.closeConn()
			s.setState(StateClosed)
			return
		default:
		}

		notified, err := s.connectAndServe(ctx, catalog)
		if notified {
			attempt = 0
		}
		if err != nil {
			if corerr.Is(err, corerr.AuthRevoked) {
				s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID}).
					Warn("upstream session auth revoked, stopping")
				if s.onAuthRevoked != nil {
					s.onAuthRevoked(s.tenantID)
				}
				s.setState(StateClosed)
				return
			}
			s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID, "error": err.Error()}).
				Warn("upstream session disconnected, reconnecting")
		}

		select {
		case <-s.stopCh:
			s.setState(StateClosed)
			return
		default:
		}

		s.setState(StateReconnecting)
		attempt++
		delay := backoffDelay(attempt)
		select {
		case <-s.stopCh:
			s.setState(StateClosed)
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe performs one connection lifetime: dial, await
// welcome, create subscriptions (fresh welcomes only), then read
// frames until the connection dies or a reconnect frame swaps it.
// connectAndServe returns whether at least one notification was
// successfully delivered during this connection's lifetime, used to
// reset the reconnect backoff (§4.2).
func (s *Session) connectAndServe(ctx context.Context, catalog []catalogEntry) (bool, error) {
	s.setState(StateConnecting)

	conn, err := s.dial(ctx, s.wsURL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.closeConn()

	s.setState(StateAwaitingWelcome)
	sessionID, err := s.awaitWelcome(conn)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.sessionID = sessionID
	s.lastConnected = time.Now()
	s.mu.Unlock()

	if err := s.createCatalog(ctx, catalog, sessionID); err != nil {
		return false, err
	}

	s.setState(StateRunning)
	return s.readLoop(ctx, catalog)
}

func (s *Session) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

func (s *Session) awaitWelcome(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(keepaliveWindow))
	var frame inboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", fmt.Errorf("await welcome: %w", err)
	}
	if frame.Kind != frameWelcome {
		return "", fmt.Errorf("expected welcome frame, got %q", frame.Kind)
	}
	return frame.Session.ID, nil
}

// createCatalog materializes the fixed subscription set. A 409 "already
// exists" is treated as success (§4.2, §7).
func (s *Session) createCatalog(ctx context.Context, catalog []catalogEntry, sessionID string) error {
	token, err := s.tokens.GetAccessToken(ctx, s.tenantID)
	if err != nil {
		return corerr.Wrap(corerr.AuthRevoked, "no valid token for subscription creation", err)
	}

	for _, entry := range catalog {
		cctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
		subID, status, err := s.subs.CreateSubscription(cctx, token, entry.subType, entry.condition, sessionID)
		cancel()

		if tokenbrokerUnauthorized(status) {
			token, err = s.tokens.OnReactiveUnauthorized(ctx, s.tenantID)
			if err != nil {
				return corerr.Wrap(corerr.AuthRevoked, "reactive refresh failed", err)
			}
			cctx2, cancel2 := context.WithTimeout(ctx, subscribeTimeout)
			subID, status, err = s.subs.CreateSubscription(cctx2, token, entry.subType, entry.condition, sessionID)
			cancel2()
			if tokenbrokerUnauthorized(status) {
				return corerr.New(corerr.AuthRevoked, "subscription creation unauthorized after refresh")
			}
		}
		if err != nil && status != http.StatusConflict {
			return corerr.Wrap(corerr.UpstreamUnavailable, "create subscription", err)
		}

		s.mu.Lock()
		s.subscriptions[entry.subType] = models.Subscription{
			SubscriptionID: subID,
			Type:           entry.subType,
			Condition:      entry.condition,
			Status:         models.SubscriptionEnabled,
		}
		s.mu.Unlock()
	}
	return nil
}

func tokenbrokerUnauthorized(status int) bool { return status == http.StatusUnauthorized }

func (s *Session) readLoop(ctx context.Context, catalog []catalogEntry) (bool, error) {
	notified := false
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		_ = conn.SetReadDeadline(time.Now().Add(keepaliveWindow))
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return notified, fmt.Errorf("read frame: %w", err)
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID}).Warn("malformed upstream frame, ignoring")
			continue
		}

		switch frame.Kind {
		case frameKeepalive:
			// liveness only

		case frameNotification:
			s.bus.Publish(models.Event{
				TenantID:   s.tenantID,
				Kind:       models.EventKind(frame.Notification.Type),
				Payload:    frame.Notification.Payload,
				ReceivedAt: time.Now(),
			})
			notified = true

		case frameRevocation:
			s.mu.Lock()
			for t, sub := range s.subscriptions {
				if sub.SubscriptionID == frame.Revocation.SubscriptionID {
					sub.Status = models.SubscriptionRevoked
					s.subscriptions[t] = sub
				}
			}
			s.mu.Unlock()

		case frameReconnect:
			if err := s.swapConnection(ctx, frame.Reconnect.URL); err != nil {
				return notified, fmt.Errorf("reconnect swap: %w", err)
			}

		default:
			s.logger.WithFields(logging.Fields{"tenant_id": s.tenantID, "kind": frame.Kind}).
				Debug("unknown upstream frame kind, ignoring")
		}
	}
}

// swapConnection implements the transparent reconnect-frame session
// swap: dial the new URL, await its welcome, then close the old socket.
// No subscriptions are recreated (§4.2).
func (s *Session) swapConnection(ctx context.Context, newURL string) error {
	newConn, err := s.dial(ctx, newURL)
	if err != nil {
		return err
	}
	if _, err := s.awaitWelcome(newConn); err != nil {
		_ = newConn.Close()
		return err
	}

	s.mu.Lock()
	old := s.conn
	s.conn = newConn
	s.lastConnected = time.Now()
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

// backoffDelay implements the exponential-backoff-capped-at-30s policy
// (§4.2). The caller's loop resets attempt to 0 only after a connection
// that delivered at least one notification; failed connections keep
// growing the delay.
func backoffDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	return delay + jitter
}
