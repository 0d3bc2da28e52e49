package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "cfs")
	return store, rdb, func() {
		rdb.Close()
		mr.Close()
	}
}

func testSession(now time.Time) *Session {
	return &Session{
		SessionID:   "sid-1",
		UserID:      "u-1",
		RefreshHash: [32]byte{1},
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(time.Hour).UnixMilli(),
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Create(ctx, sess, now); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := store.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != sess.UserID || got.RefreshHash != sess.RefreshHash {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if got.Revoked {
		t.Fatal("fresh session must not be revoked")
	}

	ids, err := store.ActiveSessionIDs(ctx, sess.UserID)
	if err != nil {
		t.Fatalf("active ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != sess.SessionID {
		t.Fatalf("expected index entry for %s, got %v", sess.SessionID, ids)
	}
}

func TestRotateSwapsHashInPlace(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Create(ctx, sess, now); err != nil {
		t.Fatalf("create session: %v", err)
	}

	next := [32]byte{2}
	rotated, err := store.Rotate(ctx, sess.SessionID, sess.RefreshHash, next, now)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.RefreshHash != next {
		t.Fatal("rotate did not install the next hash")
	}
	if rotated.UserID != sess.UserID || rotated.ExpiresAt != sess.ExpiresAt {
		t.Fatalf("rotate mutated unrelated fields: %+v", rotated)
	}

	// Old hash is dead, new hash rotates again.
	if _, err := store.Rotate(ctx, sess.SessionID, sess.RefreshHash, [32]byte{3}, now); err == nil {
		t.Fatal("stale hash must not rotate")
	}
}

func TestRotateSentinelErrors(t *testing.T) {
	store, rdb, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()

	// Not found.
	_, err := store.Rotate(ctx, "missing", [32]byte{1}, [32]byte{2}, now)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not-found sentinel, got %v", err)
	}

	// Expired: record still present, caller clock past ExpiresAt.
	expired := testSession(now)
	expired.SessionID = "sid-expired"
	if err := store.Create(ctx, expired, now); err != nil {
		t.Fatalf("create expired candidate: %v", err)
	}
	_, err = store.Rotate(ctx, expired.SessionID, expired.RefreshHash, [32]byte{9}, now.Add(2*time.Hour))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired sentinel, got %v", err)
	}
	if _, err := store.Get(ctx, expired.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("expired record must be deleted by rotate")
	}

	// Corrupt blob.
	if err := rdb.Set(ctx, store.key("sid-corrupt"), []byte("bad"), time.Hour).Err(); err != nil {
		t.Fatalf("seed corrupt blob: %v", err)
	}
	_, err = store.Rotate(ctx, "sid-corrupt", [32]byte{1}, [32]byte{2}, now)
	if !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("expected corrupt sentinel, got %v", err)
	}
}

func TestRotateMismatchRevokesInPlace(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Create(ctx, sess, now); err != nil {
		t.Fatalf("create session: %v", err)
	}

	_, err := store.Rotate(ctx, sess.SessionID, [32]byte{99}, [32]byte{2}, now)
	if !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("expected mismatch sentinel, got %v", err)
	}

	// The record survives as a revoked tombstone.
	got, err := store.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get after mismatch: %v", err)
	}
	if !got.Revoked {
		t.Fatal("mismatch must revoke the session in place")
	}
	if got.RevokedAt != now.UnixMilli() {
		t.Fatalf("revokedAt not stamped: %d", got.RevokedAt)
	}

	// Even the correct hash never rotates a revoked session.
	_, err = store.Rotate(ctx, sess.SessionID, sess.RefreshHash, [32]byte{2}, now)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected revoked sentinel, got %v", err)
	}

	// And the index no longer lists it.
	ids, err := store.ActiveSessionIDs(ctx, sess.UserID)
	if err != nil {
		t.Fatalf("active ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("revoked session still indexed: %v", ids)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Create(ctx, sess, now); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.Revoke(ctx, sess.SessionID, now); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := store.Revoke(ctx, sess.SessionID, now); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if err := store.Revoke(ctx, "never-existed", now); err != nil {
		t.Fatalf("revoke of unknown session: %v", err)
	}

	got, err := store.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get after revoke: %v", err)
	}
	if !got.Revoked {
		t.Fatal("session not revoked")
	}
}

func TestRevokeAllForUser(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()

	for _, sid := range []string{"sid-a", "sid-b", "sid-c"} {
		sess := testSession(now)
		sess.SessionID = sid
		if err := store.Create(ctx, sess, now); err != nil {
			t.Fatalf("create %s: %v", sid, err)
		}
	}

	if err := store.RevokeAllForUser(ctx, "u-1", now); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	count, err := store.ActiveSessionCount(ctx, "u-1")
	if err != nil {
		t.Fatalf("active count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 active sessions, got %d", count)
	}

	for _, sid := range []string{"sid-a", "sid-b", "sid-c"} {
		got, err := store.Get(ctx, sid)
		if err != nil {
			t.Fatalf("get %s after revoke all: %v", sid, err)
		}
		if !got.Revoked {
			t.Fatalf("%s not revoked", sid)
		}
	}
}

// commandHook observes client-side commands; Lua scripts surface as a
// single eval, so only explicit commands trigger it.
type commandHook struct {
	onProcess func(cmd redis.Cmder)
}

func (h commandHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h commandHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.onProcess(cmd)
		return next(ctx, cmd)
	}
}

func (h commandHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRevokeAllKeepsConcurrentlyCreatedSessionIndexed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()

	hooked := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	plain := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer hooked.Close()
	defer plain.Close()

	store := NewStore(hooked, "cfs")
	shadow := NewStore(plain, "cfs")
	ctx := context.Background()
	now := time.Now()

	first := testSession(now)
	if err := store.Create(ctx, first, now); err != nil {
		t.Fatalf("create first session: %v", err)
	}

	late := testSession(now)
	late.SessionID = "sid-late"
	late.RefreshHash = [32]byte{7}

	// Land a login between the index read and the index prune.
	userKey := store.userKey("u-1")
	var once sync.Once
	hooked.AddHook(commandHook{onProcess: func(cmd redis.Cmder) {
		if cmd.Name() != "srem" && cmd.Name() != "del" {
			return
		}
		args := cmd.Args()
		if len(args) < 2 || args[1] != userKey {
			return
		}
		once.Do(func() {
			if err := shadow.Create(ctx, late, now); err != nil {
				t.Errorf("create late session: %v", err)
			}
		})
	}})

	if err := store.RevokeAllForUser(ctx, "u-1", now); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	// The late session was not captured, but it must stay indexed so the
	// next sweep sees it.
	ids, err := store.ActiveSessionIDs(ctx, "u-1")
	if err != nil {
		t.Fatalf("active ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != late.SessionID {
		t.Fatalf("late session missing from index: %v", ids)
	}

	if err := store.RevokeAllForUser(ctx, "u-1", now); err != nil {
		t.Fatalf("second revoke all: %v", err)
	}
	if _, err := store.Rotate(ctx, late.SessionID, late.RefreshHash, [32]byte{8}, now); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("late session must be revoked by the second sweep, got %v", err)
	}
	count, err := store.ActiveSessionCount(ctx, "u-1")
	if err != nil {
		t.Fatalf("active count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty index after second sweep, got %d", count)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Create(ctx, sess, now); err != nil {
		t.Fatalf("create session: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := [32]byte{byte(i + 10)}
			_, results[i] = store.Rotate(ctx, sess.SessionID, sess.RefreshHash, next, now)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRefreshHashMismatch), errors.Is(err, ErrSessionRevoked):
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
