// Package supervisor implements the Session Supervisor (§4.6 in the
// original numbering, "Session Supervisor" bullet in §2): exclusively
// owns the two per-tenant upstream/chat sessions, starting and
// stopping them in response to Lifecycle Controller transitions.
package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"overlaycaster/internal/chat"
	"overlaycaster/internal/upstream"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

// UpstreamFactory builds a fresh Upstream Event Session for a tenant;
// supplied by the wiring layer so tests can substitute a fake.
type UpstreamFactory func(tenant models.Tenant) *upstream.Session

// ChatFactory builds a fresh Chat Session for a tenant.
type ChatFactory func(tenant models.Tenant) *chat.Session

// sessionPair is the two sessions a tenant may have running
// concurrently; the Supervisor is the sole owner of both.
type sessionPair struct {
	upstream *upstream.Session
	chat     *chat.Session
}

// Supervisor starts/stops sessions per tenant and reports their live
// status.
type Supervisor struct {
	newUpstream UpstreamFactory
	newChat     ChatFactory
	logger      logging.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionPair
}

func New(newUpstream UpstreamFactory, newChat ChatFactory, logger logging.Logger) *Supervisor {
	return &Supervisor{
		newUpstream: newUpstream,
		newChat:     newChat,
		logger:      logger,
		sessions:    make(map[string]*sessionPair),
	}
}

// StartUpstream creates and starts a fresh Upstream Event Session for
// the tenant, stopping any existing one first (§4.7: every `prep`
// gives a clean upstream session).
func (s *Supervisor) StartUpstream(ctx context.Context, tenant models.Tenant) {
	s.mu.Lock()
	pair, ok := s.sessions[tenant.TenantID]
	if !ok {
		pair = &sessionPair{}
		s.sessions[tenant.TenantID] = pair
	}
	old := pair.upstream
	sess := s.newUpstream(tenant)
	pair.upstream = sess
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	sess.Start(ctx, upstream.DefaultCatalog(tenant.TenantID))
}

// StopUpstream stops and clears the tenant's upstream session, if any.
func (s *Supervisor) StopUpstream(tenant models.Tenant) {
	s.mu.Lock()
	pair, ok := s.sessions[tenant.TenantID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess := pair.upstream
	pair.upstream = nil
	s.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
}

// StartChat creates and starts a Chat Session for the tenant, gated on
// features.chatCommands by the caller (Lifecycle Controller).
func (s *Supervisor) StartChat(ctx context.Context, tenant models.Tenant) {
	s.mu.Lock()
	pair, ok := s.sessions[tenant.TenantID]
	if !ok {
		pair = &sessionPair{}
		s.sessions[tenant.TenantID] = pair
	}
	if pair.chat != nil {
		s.mu.Unlock()
		return
	}
	sess := s.newChat(tenant)
	pair.chat = sess
	s.mu.Unlock()

	sess.Start(ctx)
}

// StopChat stops and clears the tenant's chat session, if any.
// Idempotent (§4.3).
func (s *Supervisor) StopChat(tenant models.Tenant) {
	s.mu.Lock()
	pair, ok := s.sessions[tenant.TenantID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess := pair.chat
	pair.chat = nil
	s.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
}

// ForceReconnectUpstream tears down and restarts the tenant's upstream
// session from scratch (POST /stream/monitor/reconnect).
func (s *Supervisor) ForceReconnectUpstream(ctx context.Context, tenant models.Tenant) {
	s.StopUpstream(tenant)
	s.StartUpstream(ctx, tenant)
}

// Status reports the live state of a tenant's sessions, backing
// GET /stream/monitor/status.
type Status struct {
	UpstreamConnected bool
	Subscriptions     []models.Subscription
	LastConnected     time.Time
	ChatConnected     bool
}

func (s *Supervisor) Status(tenantID string) Status {
	s.mu.RLock()
	pair, ok := s.sessions[tenantID]
	s.mu.RUnlock()
	if !ok {
		return Status{}
	}

	var st Status
	if pair.upstream != nil {
		st.UpstreamConnected = pair.upstream.State() == upstream.StateRunning
		st.Subscriptions = pair.upstream.Subscriptions()
		st.LastConnected = pair.upstream.LastConnected()
	}
	st.ChatConnected = pair.chat != nil
	return st
}

// StopAll tears down every tenant's sessions, used on graceful
// shutdown (§5).
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	pairs := make([]*sessionPair, 0, len(s.sessions))
	for _, p := range s.sessions {
		pairs = append(pairs, p)
	}
	s.sessions = make(map[string]*sessionPair)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, p := range pairs {
		p := p
		g.Go(func() error {
			if p.upstream != nil {
				p.upstream.Stop()
			}
			if p.chat != nil {
				p.chat.Stop()
			}
			return nil
		})
	}
	return g.Wait()
}

// AuthRevoked handles a tenant's credential revocation: stops both
// sessions (§4.1 failure semantics).
func (s *Supervisor) AuthRevoked(tenant models.Tenant) {
	s.logger.WithFields(logging.Fields{"tenant_id": tenant.TenantID}).
		Warn("auth revoked, stopping sessions")
	s.StopUpstream(tenant)
	s.StopChat(tenant)
}
