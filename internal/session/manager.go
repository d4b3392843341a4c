package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/observability"
)

// PageFactory opens a page navigated to url.
type PageFactory func(ctx context.Context, url string) (Page, error)

// Manager owns the live sessions of a process.
type Manager struct {
	cfg     config.Interface
	factory PageFactory
	bus     *interrupt.Bus
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(cfg config.Interface, factory PageFactory, bus *interrupt.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		bus:      bus,
		logger:   logger.Named("session_manager"),
		sessions: make(map[string]*Session),
	}
}

// Create opens a page on target and starts a session for it.
func (m *Manager) Create(ctx context.Context, target string) (*Session, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	m.mu.RLock()
	closed, count := m.closed, len(m.sessions)
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if limit := m.cfg.Server().MaxSessions; limit > 0 && count >= limit {
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, limit)
	}

	page, err := m.factory(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	id := uuid.NewString()
	s, err := New(id, target, page, m.cfg, m.bus, m.logger)
	if err != nil {
		_ = page.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close()
		return nil, ErrManagerClosed
	}
	// Another Create may have taken the last slot while the page opened.
	if limit := m.cfg.Server().MaxSessions; limit > 0 && len(m.sessions) >= limit {
		m.mu.Unlock()
		_ = s.Close()
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, limit)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	observability.ActiveSessions.Inc()
	m.logger.Info("Session created.", zap.String("session_id", id), zap.String("url", target))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns every live session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close ends one session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	observability.ActiveSessions.Dec()
	return s.Close()
}

// CloseAll ends every session and refuses new ones.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		observability.ActiveSessions.Dec()
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTargetURL, err)
	}
	switch u.Scheme {
	case "http", "https", "file", "about", "data":
		return nil
	}
	return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTargetURL, u.Scheme)
}
