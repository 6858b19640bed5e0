// Package session issues and checks signed session tokens and tracks the
// last user interaction on each session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teamflow/internal/domain"
)

var (
	ErrInvalidToken         = errors.New("invalid session token")
	ErrSessionEnded         = errors.New("session expired or signed out")
	ErrUnknownActivityEvent = errors.New("unknown activity event")
)

const DefaultTTL = 24 * time.Hour

// Store persists sessions. repo.Repo implements it.
type Store interface {
	InsertSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	TouchSession(ctx context.Context, id, ts string) error
	RevokeSession(ctx context.Context, id, ts string) error
}

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

type Manager struct {
	TTL time.Duration
	// Debounce drops activity updates that arrive sooner than this after
	// the previous one for the same session.
	Debounce time.Duration
	Now      func() time.Time
	Logger   *zerolog.Logger

	store  Store
	secret []byte

	mu        sync.Mutex
	lastTouch map[string]time.Time
	lastPrune time.Time
}

func New(store Store, secret string) *Manager {
	return &Manager{
		TTL:       DefaultTTL,
		Now:       time.Now,
		store:     store,
		secret:    []byte(secret),
		lastTouch: make(map[string]time.Time),
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) logger() *zerolog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

// Issue creates a session for userID and returns its signed token.
func (m *Manager) Issue(ctx context.Context, userID, email string, metadata map[string]any) (string, domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return "", domain.Session{}, errors.New("user_id is required")
	}
	if len(m.secret) == 0 {
		return "", domain.Session{}, errors.New("session secret not configured")
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	s := domain.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Email:        email,
		Metadata:     metadata,
		ExpiresAt:    domain.FormatTime(now.Add(ttl)),
		LastActiveAt: domain.FormatTime(now),
		CreatedAt:    domain.FormatTime(now),
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        s.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", domain.Session{}, fmt.Errorf("sign session token: %w", err)
	}
	if err := m.store.InsertSession(ctx, s); err != nil {
		return "", domain.Session{}, fmt.Errorf("store session: %w", err)
	}
	m.logger().Info().Str("user_id", userID).Str("session_id", s.ID).Msg("session issued")
	return token, s, nil
}

// Authenticate verifies token and returns the live session behind it.
func (m *Manager) Authenticate(ctx context.Context, token string) (domain.Session, error) {
	claims, err := m.parse(token)
	if err != nil {
		return domain.Session{}, err
	}
	s, err := m.store.GetSession(ctx, claims.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, ErrInvalidToken
	}
	if err != nil {
		return domain.Session{}, err
	}
	if s.UserID != claims.Subject {
		return domain.Session{}, ErrInvalidToken
	}
	if s.RevokedAt != "" || s.ExpiresAt <= domain.FormatTime(m.now()) {
		return domain.Session{}, ErrSessionEnded
	}
	return s, nil
}

func (m *Manager) parse(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" || len(m.secret) == 0 {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetSession returns the current session, or nil when the token is missing,
// invalid, expired or signed out. Lookup failures are logged and also yield nil.
func (m *Manager) GetSession(ctx context.Context, token string) *domain.Session {
	s, err := m.Authenticate(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrSessionEnded) {
			m.logger().Error().Err(err).Msg("get session")
		}
		return nil
	}
	return &s
}

// SignOut revokes the session. Signing out twice is not an error.
func (m *Manager) SignOut(ctx context.Context, sessionID string) error {
	err := m.store.RevokeSession(ctx, sessionID, domain.FormatTime(m.now()))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	m.mu.Lock()
	delete(m.lastTouch, sessionID)
	m.mu.Unlock()
	m.logger().Info().Str("session_id", sessionID).Msg("signed out")
	return nil
}

// UpdateLastActivity stamps the session with the current time in response to
// one of domain.ActivityEvents.
func (m *Manager) UpdateLastActivity(ctx context.Context, sessionID, event string) error {
	if !domain.IsActivityEvent(event) {
		return fmt.Errorf("%w: %q", ErrUnknownActivityEvent, event)
	}
	now := m.now()
	if m.Debounce > 0 {
		m.mu.Lock()
		if last, ok := m.lastTouch[sessionID]; ok && now.Sub(last) < m.Debounce {
			m.mu.Unlock()
			return nil
		}
		m.pruneLocked(now)
		m.lastTouch[sessionID] = now
		m.mu.Unlock()
	}

	if err := m.store.TouchSession(ctx, sessionID, domain.FormatTime(now)); err != nil {
		m.mu.Lock()
		delete(m.lastTouch, sessionID)
		m.mu.Unlock()
		if errors.Is(err, domain.ErrNotFound) {
			return ErrSessionEnded
		}
		return fmt.Errorf("update last activity: %w", err)
	}
	return nil
}

// pruneLocked forgets sessions whose debounce window has passed, at most
// once per window. Caller holds m.mu.
func (m *Manager) pruneLocked(now time.Time) {
	if now.Sub(m.lastPrune) < m.Debounce {
		return
	}
	for id, last := range m.lastTouch {
		if now.Sub(last) >= m.Debounce {
			delete(m.lastTouch, id)
		}
	}
	m.lastPrune = now
}
