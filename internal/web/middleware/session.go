package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// TokenType is the scheme clients put in front of the token.
	TokenType = "Bearer"

	defaultSessionTTL = 24 * time.Hour
	cleanupInterval   = 10 * time.Minute
)

// Session is an authenticated account session.
type Session struct {
	ID        string
	AccountID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// StoredSession is the persisted form of a session.
type StoredSession struct {
	ID        string
	AccountID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionRepository persists sessions across restarts. Get returns nil, nil
// for unknown or expired sessions.
type SessionRepository interface {
	Save(ctx context.Context, s StoredSession) error
	Get(ctx context.Context, id string) (*StoredSession, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionManager issues and validates HMAC-signed session tokens. Sessions
// live in memory and, when a repository is set, in the database too.
type SessionManager struct {
	secret   []byte
	ttl      time.Duration
	repo     SessionRepository
	logger   *slog.Logger
	sessions map[string]*Session
	mu       sync.RWMutex

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionManager creates a session manager and starts its cleanup loop.
// An empty secret gets a random one, so tokens die with the process. repo
// may be nil.
func NewSessionManager(secret string, ttl time.Duration, repo SessionRepository, logger *slog.Logger) *SessionManager {
	key := []byte(secret)
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("session secret: " + err.Error())
		}
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	sm := &SessionManager{
		secret:   key,
		ttl:      ttl,
		repo:     repo,
		logger:   logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go sm.cleanupLoop()
	return sm
}

// Issue creates a session for accountID and returns its signed token.
func (sm *SessionManager) Issue(ctx context.Context, accountID string) (string, error) {
	session, err := sm.CreateSession(ctx, accountID)
	if err != nil {
		return "", err
	}
	return sm.Token(session), nil
}

// CreateSession creates and stores a new session.
func (sm *SessionManager) CreateSession(ctx context.Context, accountID string) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	now := sm.now().UTC()
	session := &Session{
		ID:        id.String(),
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}

	if sm.repo != nil {
		err := sm.repo.Save(ctx, StoredSession{
			ID:        session.ID,
			AccountID: session.AccountID,
			CreatedAt: session.CreatedAt,
			ExpiresAt: session.ExpiresAt,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting session: %w", err)
		}
	}

	sm.mu.Lock()
	sm.sessions[session.ID] = session
	sm.mu.Unlock()
	return session, nil
}

// Token returns the signed token for session.
func (sm *SessionManager) Token(session *Session) string {
	return session.ID + "." + sm.sign(session.ID)
}

// GetSession returns a live session by ID, consulting the repository on a
// cache miss.
func (sm *SessionManager) GetSession(ctx context.Context, id string) *Session {
	now := sm.now()

	sm.mu.RLock()
	session, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		if session.expired(now) {
			sm.DeleteSession(ctx, id)
			return nil
		}
		return session
	}

	if sm.repo == nil {
		return nil
	}
	stored, err := sm.repo.Get(ctx, id)
	if err != nil {
		sm.logger.Warn("session lookup failed", "error", err)
		return nil
	}
	if stored == nil {
		return nil
	}
	session = &Session{
		ID:        stored.ID,
		AccountID: stored.AccountID,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	if session.expired(now) {
		return nil
	}

	sm.mu.Lock()
	sm.sessions[id] = session
	sm.mu.Unlock()
	return session
}

// DeleteSession removes a session everywhere.
func (sm *SessionManager) DeleteSession(ctx context.Context, id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if sm.repo != nil {
		if err := sm.repo.Delete(ctx, id); err != nil {
			sm.logger.Warn("session delete failed", "error", err)
		}
	}
}

// Validate checks a signed token and returns its live session.
func (sm *SessionManager) Validate(ctx context.Context, token string) (*Session, error) {
	id, signature, ok := strings.Cut(token, ".")
	if !ok || id == "" {
		return nil, errors.New("malformed token")
	}
	if !hmac.Equal([]byte(signature), []byte(sm.sign(id))) {
		return nil, errors.New("bad token signature")
	}
	session := sm.GetSession(ctx, id)
	if session == nil {
		return nil, errors.New("session expired or unknown")
	}
	return session, nil
}

// GetSessionFromRequest extracts the session from the Authorization header.
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) *Session {
	token, ok := bearerToken(r)
	if !ok {
		return nil
	}
	session, err := sm.Validate(r.Context(), token)
	if err != nil {
		return nil
	}
	return session
}

// Stop ends the cleanup loop. Safe to call more than once.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stop) })
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.removeExpired(context.Background())
		}
	}
}

// removeExpired drops expired sessions from memory and the repository.
func (sm *SessionManager) removeExpired(ctx context.Context) int {
	now := sm.now()
	removed := 0

	sm.mu.Lock()
	for id, s := range sm.sessions {
		if s.expired(now) {
			delete(sm.sessions, id)
			removed++
		}
	}
	sm.mu.Unlock()

	if sm.repo != nil {
		n, err := sm.repo.DeleteExpired(ctx)
		if err != nil {
			sm.logger.Warn("expired session cleanup failed", "error", err)
		} else if n > 0 {
			sm.logger.Debug("expired sessions removed", "count", n)
		}
	}
	return removed
}

func (sm *SessionManager) sign(data string) string {
	h := hmac.New(sha256.New, sm.secret)
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, TokenType) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
