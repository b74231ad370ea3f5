package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// memoryRepo is a SessionRepository kept in a map.
type memoryRepo struct {
	mu       sync.Mutex
	sessions map[string]StoredSession
	failGet  error
	now      func() time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: make(map[string]StoredSession), now: time.Now}
}

func (m *memoryRepo) Save(_ context.Context, s StoredSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id string) (*StoredSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	s, ok := m.sessions[id]
	if !ok || !m.now().Before(s.ExpiresAt) {
		return nil, nil
	}
	return &s, nil
}

func (m *memoryRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memoryRepo) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if !m.now().Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func newTestManager(t *testing.T, repo SessionRepository) *SessionManager {
	t.Helper()
	sm := NewSessionManager("test-secret", time.Hour, repo, nil)
	t.Cleanup(sm.Stop)
	return sm
}

func bearerRequest(token string) *http.Request {
	req := httptest.NewRequest("GET", "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSessionManager_Issue(t *testing.T) {
	sm := newTestManager(t, nil)

	token, err := sm.Issue(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	session, err := sm.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if session.AccountID != "account-1" {
		t.Errorf("AccountID = %s, want account-1", session.AccountID)
	}
	if got := session.ExpiresAt.Sub(session.CreatedAt); got != time.Hour {
		t.Errorf("session lifetime = %v, want 1h", got)
	}
}

func TestSessionManager_TokensAreUnique(t *testing.T) {
	sm := newTestManager(t, nil)
	a, _ := sm.Issue(context.Background(), "account-1")
	b, _ := sm.Issue(context.Background(), "account-1")
	if a == b {
		t.Error("two sessions got the same token")
	}
}

func TestSessionManager_Validate(t *testing.T) {
	sm := newTestManager(t, nil)
	token, _ := sm.Issue(context.Background(), "account-1")
	id, _, _ := strings.Cut(token, ".")

	other := newTestManager(t, nil)
	foreign, _ := other.Issue(context.Background(), "account-1")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no signature", id},
		{"bad signature", id + ".invalid"},
		{"unknown session", "unknown." + sm.sign("unknown")},
		{"signed with other secret", foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sm.Validate(context.Background(), tt.token); err == nil {
				t.Errorf("Validate(%q) should fail", tt.token)
			}
		})
	}
}

func TestSessionManager_Expiry(t *testing.T) {
	sm := newTestManager(t, nil)
	now := time.Now()
	sm.now = func() time.Time { return now }

	token, _ := sm.Issue(context.Background(), "account-1")

	sm.now = func() time.Time { return now.Add(59 * time.Minute) }
	if _, err := sm.Validate(context.Background(), token); err != nil {
		t.Fatalf("session should still be live: %v", err)
	}

	sm.now = func() time.Time { return now.Add(time.Hour) }
	if _, err := sm.Validate(context.Background(), token); err == nil {
		t.Error("session should expire exactly at its TTL")
	}
	if len(sm.sessions) != 0 {
		t.Errorf("expired session left in memory: %d entries", len(sm.sessions))
	}
}

func TestSessionManager_RemoveExpired(t *testing.T) {
	repo := newMemoryRepo()
	sm := newTestManager(t, repo)
	now := time.Now()
	sm.now = func() time.Time { return now }

	sm.Issue(context.Background(), "account-1")
	sm.Issue(context.Background(), "account-2")

	later := now.Add(2 * time.Hour)
	sm.now = func() time.Time { return later }
	repo.now = func() time.Time { return later }

	if n := sm.removeExpired(context.Background()); n != 2 {
		t.Errorf("removeExpired() = %d, want 2", n)
	}
	if len(repo.sessions) != 0 {
		t.Errorf("repository still holds %d sessions", len(repo.sessions))
	}
}

func TestSessionManager_Repository(t *testing.T) {
	repo := newMemoryRepo()
	first := newTestManager(t, repo)

	token, err := first.Issue(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(repo.sessions) != 1 {
		t.Fatalf("expected session to be persisted, repo has %d", len(repo.sessions))
	}

	// A restarted process with the same secret picks the session up.
	second := newTestManager(t, repo)
	session, err := second.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() after restart error = %v", err)
	}
	if session.AccountID != "account-1" {
		t.Errorf("AccountID = %s, want account-1", session.AccountID)
	}

	second.DeleteSession(context.Background(), session.ID)
	if len(repo.sessions) != 0 {
		t.Error("DeleteSession() should remove the persisted session")
	}
}

func TestSessionManager_RepositoryFailure(t *testing.T) {
	repo := newMemoryRepo()
	first := newTestManager(t, repo)
	token, _ := first.Issue(context.Background(), "account-1")

	repo.failGet = errors.New("connection refused")
	second := newTestManager(t, repo)
	if _, err := second.Validate(context.Background(), token); err == nil {
		t.Error("Validate() should fail when the repository is unreachable")
	}
}

func TestSessionManager_EmptySecret(t *testing.T) {
	a := NewSessionManager("", 0, nil, nil)
	defer a.Stop()
	b := NewSessionManager("", 0, nil, nil)
	defer b.Stop()

	if string(a.secret) == string(b.secret) {
		t.Error("empty secrets should be randomized per manager")
	}
	if a.ttl != defaultSessionTTL {
		t.Errorf("ttl = %v, want %v", a.ttl, defaultSessionTTL)
	}
	a.Stop() // second Stop must not panic
}

func TestGetSessionFromRequest(t *testing.T) {
	sm := newTestManager(t, nil)
	token, _ := sm.Issue(context.Background(), "account-1")

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"bearer", "Bearer " + token, true},
		{"lowercase scheme", "bearer " + token, true},
		{"missing header", "", false},
		{"basic scheme", "Basic " + token, false},
		{"no token", "Bearer ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got := sm.GetSessionFromRequest(req) != nil
			if got != tt.want {
				t.Errorf("GetSessionFromRequest() found = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	sm := newTestManager(t, nil)
	token, _ := sm.Issue(context.Background(), "account-1")

	handlerCalled := false
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		s := GetSessionFromContext(r.Context())
		if s == nil {
			t.Error("Session not found in context")
		} else if s.AccountID != "account-1" {
			t.Errorf("AccountID = %s, want account-1", s.AccountID)
		}
		w.WriteHeader(http.StatusOK)
	})

	protectedHandler := RequireAuth(sm)(testHandler)

	t.Run("valid session", func(t *testing.T) {
		handlerCalled = false
		w := httptest.NewRecorder()
		protectedHandler.ServeHTTP(w, bearerRequest(token))

		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
		}
		if !handlerCalled {
			t.Error("Handler was not called")
		}
	})

	t.Run("no session", func(t *testing.T) {
		handlerCalled = false
		w := httptest.NewRecorder()
		protectedHandler.ServeHTTP(w, bearerRequest(""))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if handlerCalled {
			t.Error("Handler should not be called for unauthorized request")
		}
		if got := w.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Errorf("WWW-Authenticate = %q, want Bearer", got)
		}
		if !strings.Contains(w.Body.String(), `"error":"unauthorized"`) {
			t.Errorf("unexpected body: %s", w.Body.String())
		}
	})
}

func TestGetSessionFromContext(t *testing.T) {
	session := &Session{ID: "test123", AccountID: "account-1"}
	ctx := SetSessionInContext(context.Background(), session)

	retrieved := GetSessionFromContext(ctx)
	if retrieved == nil {
		t.Fatal("GetSessionFromContext() returned nil")
		return
	}
	if retrieved.ID != "test123" {
		t.Errorf("Session ID = %s, want test123", retrieved.ID)
	}

	if GetSessionFromContext(context.Background()) != nil {
		t.Error("GetSessionFromContext() should return nil for empty context")
	}
}
