package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ashmerge/credflow"
)

type stubProvider struct {
	mu    sync.Mutex
	users map[string]credflow.UserRecord
}

func (p *stubProvider) GetUserByID(userID string) (credflow.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return credflow.UserRecord{}, credflow.ErrUserNotFound
	}
	return u, nil
}

func (p *stubProvider) GetUserByIdentifier(identifier string) (credflow.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Identifier == identifier {
			return u, nil
		}
	}
	return credflow.UserRecord{}, credflow.ErrUserNotFound
}

func (p *stubProvider) MarkVerified(userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return credflow.ErrUserNotFound
	}
	u.Verified = true
	p.users[userID] = u
	return nil
}

func (p *stubProvider) IsVerified(userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return false, credflow.ErrUserNotFound
	}
	return u.Verified, nil
}

func (p *stubProvider) UpdatePasswordHash(userID, newHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return credflow.ErrUserNotFound
	}
	u.PasswordHash = newHash
	p.users[userID] = u
	return nil
}

func newGuardedEngine(t *testing.T) *credflow.Engine {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := credflow.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")

	provider := &stubProvider{users: map[string]credflow.UserRecord{
		"alice": {UserID: "alice", Identifier: "alice@example.com", Verified: true},
		"bob":   {UserID: "bob", Identifier: "bob@example.com", Verified: false},
	}}

	engine, err := credflow.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(provider).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine
}

func loginToken(t *testing.T, engine *credflow.Engine, userID string) string {
	t.Helper()
	result, err := engine.Login(context.Background(), userID)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return result.AccessToken
}

func TestGuardAllowsValidToken(t *testing.T) {
	engine := newGuardedEngine(t)
	token := loginToken(t, engine, "alice")

	var seen *credflow.AccessResult
	handler := Guard(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := AccessFromContext(r.Context())
		if !ok {
			t.Fatal("access result missing from context")
		}
		seen = res
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.UserID != "alice" {
		t.Fatalf("unexpected access result: %+v", seen)
	}
}

func TestGuardRejectsBadTokens(t *testing.T) {
	engine := newGuardedEngine(t)

	handler := Guard(engine)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, header := range []string{"", "Bearer ", "Bearer not-a-token", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestRequireVerifiedBlocksUnverifiedAccount(t *testing.T) {
	engine := newGuardedEngine(t)
	handler := RequireVerified(engine)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+loginToken(t, engine, "bob"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unverified account, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+loginToken(t, engine, "alice"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for verified account, got %d", rec.Code)
	}
}
