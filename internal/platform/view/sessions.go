package view

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type session struct {
	assembler *Assembler
	lastUsed  time.Time
}

// BaseContext builds the parent context of a tenant's assemblers.
type BaseContext func(tenantID string) context.Context

type sessionKey struct {
	tenant string
	user   string
}

// Sessions keeps one Assembler per authenticated user and tenant. Key
// material never crosses users because assemblers are never shared.
type Sessions struct {
	src     Sources
	logger  zerolog.Logger
	idleTTL time.Duration
	base    BaseContext
	now     func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// NewSessions creates a registry. Assemblers unused for idleTTL are closed by
// Sweep; a zero idleTTL disables eviction. A nil base uses
// context.Background for every tenant.
func NewSessions(src Sources, logger zerolog.Logger, idleTTL time.Duration, base BaseContext) *Sessions {
	if base == nil {
		base = func(string) context.Context { return context.Background() }
	}
	return &Sessions{
		src:      src,
		logger:   logger.With().Str("component", "view-sessions").Logger(),
		idleTTL:  idleTTL,
		base:     base,
		now:      time.Now,
		sessions: make(map[sessionKey]*session),
	}
}

// For returns the user's Assembler within a tenant, creating it on first use.
func (s *Sessions) For(tenantID, userID string) *Assembler {
	key := sessionKey{tenant: tenantID, user: userID}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		logger := s.logger.With().Str("tenant_id", tenantID).Str("user_id", userID).Logger()
		sess = &session{assembler: NewAssembler(s.base(tenantID), s.src, logger)}
		s.sessions[key] = sess
	}
	sess.lastUsed = s.now()
	return sess.assembler
}

// End tears down the user's Assembler. It reports whether one existed.
func (s *Sessions) End(tenantID, userID string) bool {
	key := sessionKey{tenant: tenantID, user: userID}
	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if ok {
		sess.assembler.Close()
	}
	return ok
}

// Sweep closes assemblers idle for longer than the TTL and returns how many
// were closed.
func (s *Sessions) Sweep() int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	var stale []*Assembler
	for key, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			stale = append(stale, sess.assembler)
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()

	for _, a := range stale {
		a.Close()
	}
	if len(stale) > 0 {
		s.logger.Debug().Int("count", len(stale)).Msg("idle view sessions closed")
	}
	return len(stale)
}

// Run sweeps periodically until ctx is done, then closes every session.
func (s *Sessions) Run(ctx context.Context) {
	defer s.CloseAll()
	if s.idleTTL <= 0 {
		<-ctx.Done()
		return
	}

	interval := s.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// CloseAll closes every assembler.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[sessionKey]*session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.assembler.Close()
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
