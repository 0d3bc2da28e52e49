package credflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAuditEventsReachSink(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEngineWithSink(t, sink)

	login, err := env.engine.Login(context.Background(), "alice")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := env.engine.Refresh(context.Background(), login.RefreshToken); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := env.engine.Refresh(context.Background(), login.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}

	env.engine.Close()

	seen := map[string]bool{}
	for {
		select {
		case event := <-sink.Events():
			seen[event.EventType] = true
			if event.EventType == auditEventRefreshReuse {
				if event.Success {
					t.Fatal("reuse event must not report success")
				}
				if event.Error != string(auditErrRefreshReuse) {
					t.Fatalf("unexpected error code: %q", event.Error)
				}
			}
		default:
			for _, want := range []string{auditEventLoginSuccess, auditEventRefreshSuccess, auditEventRefreshReuse} {
				if !seen[want] {
					t.Fatalf("missing audit event %q, saw %v", want, seen)
				}
			}
			return
		}
	}
}

func newTestEngineWithSink(t *testing.T, sink AuditSink) *testEnv {
	t.Helper()
	return newTestEngineFull(t, func(cfg *Config) {
		cfg.Audit.Enabled = true
		cfg.Audit.DropIfFull = false
	}, sink)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := slowSink{block: block}

	d := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, slow)

	// First event occupies the worker, second fills the buffer, the rest
	// must be dropped without blocking.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "e"})
	}

	deadline := time.After(2 * time.Second)
	for d.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected drops under backpressure")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(block)
	d.Close()
}

type slowSink struct {
	block chan struct{}
}

func (s slowSink) Emit(ctx context.Context, event AuditEvent) {
	<-s.block
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{EventType: "login_success", Success: true})
	sink.Emit(context.Background(), AuditEvent{EventType: "logout_session", Success: true})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var event AuditEvent
	if err := json.Unmarshal(lines[0], &event); err != nil {
		t.Fatalf("invalid json line: %v", err)
	}
	if event.EventType != "login_success" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestAuditErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want AuditErrorCode
	}{
		{nil, ""},
		{ErrUserNotFound, auditErrUserNotFound},
		{ErrRefreshReuse, auditErrRefreshReuse},
		{ErrRefreshTokenExpired, auditErrTokenExpired},
		{ErrInvalidRefreshToken, auditErrInvalidToken},
		{ErrCodeAlreadyUsed, auditErrCodeUsed},
		{ErrRateLimited, auditErrRateLimited},
		{ErrStoreUnavailable, auditErrUnavailable},
		{errors.New("anything else"), auditErrInternal},
	}

	for _, tc := range cases {
		if got := auditErrorCode(tc.err); got != tc.want {
			t.Fatalf("auditErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
