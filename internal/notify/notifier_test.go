package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nano-agent/orchestrator/internal/audit"
)

type spyLogger struct {
	infoCalls  []logCall
	errorCalls []logCall
}

type logCall struct {
	msg  string
	args []any
}

func (s *spyLogger) Info(msg string, args ...any) {
	s.infoCalls = append(s.infoCalls, logCall{msg, args})
}
func (s *spyLogger) Error(msg string, args ...any) {
	s.errorCalls = append(s.errorCalls, logCall{msg, args})
}

type stubNotifier struct {
	name string
	err  error
	sent []Event
}

func (s *stubNotifier) Name() string { return s.name }
func (s *stubNotifier) Send(_ context.Context, event Event) error {
	s.sent = append(s.sent, event)
	return s.err
}

type stubTokens struct{ tok string }

func (s stubTokens) AccessToken(ctx context.Context) (string, error) { return s.tok, nil }

func testEvent(kind audit.Kind) Event {
	return Event{
		Kind:        kind,
		PackageName: "access-control",
		ServiceName: "access-control",
		Time:        time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestMultiDispatchesAll(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	log := &spyLogger{}
	m := NewMulti(log, a, b)

	event := testEvent(audit.KindPackageInstalled)
	m.Notify(context.Background(), event)

	if len(a.sent) != 1 {
		t.Fatalf("notifier a: got %d events, want 1", len(a.sent))
	}
	if len(b.sent) != 1 {
		t.Fatalf("notifier b: got %d events, want 1", len(b.sent))
	}
	if a.sent[0].PackageName != "access-control" {
		t.Errorf("notifier a: package = %q, want access-control", a.sent[0].PackageName)
	}
}

func TestMultiLogsErrorsButContinues(t *testing.T) {
	failing := &stubNotifier{name: "broken", err: errors.New("connection refused")}
	ok := &stubNotifier{name: "ok"}
	log := &spyLogger{}
	m := NewMulti(log, failing, ok)

	m.Notify(context.Background(), testEvent(audit.KindServiceReloaded))

	if len(ok.sent) != 1 {
		t.Fatalf("ok notifier: got %d events, want 1", len(ok.sent))
	}
	if len(log.errorCalls) != 1 {
		t.Fatalf("got %d error logs, want 1", len(log.errorCalls))
	}
	if !strings.Contains(log.errorCalls[0].msg, "notification failed") {
		t.Errorf("error log msg = %q, want 'notification failed'", log.errorCalls[0].msg)
	}
}

func TestBridgeForwardsPublishedEvents(t *testing.T) {
	bus := audit.New()
	recv := &stubNotifier{name: "spy"}
	multi := NewMulti(&spyLogger{}, recv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Bridge(ctx, bus, multi)
		close(done)
	}()

	bus.Publish(testEvent(audit.KindManifestApplied))

	deadline := time.After(time.Second)
	for len(recv.sent) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected Bridge to forward the published event")
		case <-time.After(time.Millisecond):
		}
	}
	if recv.sent[0].Kind != audit.KindManifestApplied {
		t.Errorf("forwarded kind = %s, want %s", recv.sent[0].Kind, audit.KindManifestApplied)
	}

	cancel()
	<-done
}

func TestWebhookSendsBodyAndBearerToken(t *testing.T) {
	var received Event
	var gotAuth, gotPath, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, stubTokens{tok: "secret123"})
	event := testEvent(audit.KindPackageInstalled)
	if err := wh.Send(context.Background(), event); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotAuth != "Bearer secret123" {
		t.Errorf("Authorization = %q, want 'Bearer secret123'", gotAuth)
	}
	if gotPath != "/agents/events" {
		t.Errorf("path = %q, want /agents/events", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if received.PackageName != "access-control" {
		t.Errorf("package = %q, want access-control", received.PackageName)
	}
	if received.Kind != audit.KindPackageInstalled {
		t.Errorf("kind = %q, want %s", received.Kind, audit.KindPackageInstalled)
	}
}

func TestWebhookReturnsErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, stubTokens{tok: "x"})
	err := wh.Send(context.Background(), testEvent(audit.KindTickError))

	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}
