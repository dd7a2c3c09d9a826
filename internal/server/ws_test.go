package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mindcreek/non-messenger/internal/session"
	"github.com/mindcreek/non-messenger/internal/wire"
)

// fakeSender stands in for a duplex transport in frame-dispatch tests.
type fakeSender struct {
	mu       sync.Mutex
	frames   []any
	failSend bool
	closed   bool
}

func (f *fakeSender) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("transport broken")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.frames...)
}

func (f *fakeSender) lastError(t *testing.T) wire.ErrorFrame {
	t.Helper()
	frames := f.sent()
	if len(frames) == 0 {
		t.Fatal("no frame sent")
	}
	ef, ok := frames[len(frames)-1].(wire.ErrorFrame)
	if !ok {
		t.Fatalf("last frame is %T, want ErrorFrame", frames[len(frames)-1])
	}
	return ef
}

func openTestSession(srv *Server) (*session.Session, *fakeSender) {
	sender := &fakeSender{}
	return srv.sessions.Open(sender), sender
}

func TestRegisterUserBindsAndAcks(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	sess, sender := openTestSession(srv)

	srv.handleFrame(sess, []byte(`{"type":"register_user","contactCode":"R"}`))

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 ack frame, got %d", len(frames))
	}
	ack, ok := frames[0].(wire.RegistrationSuccessFrame)
	if !ok {
		t.Fatalf("frame is %T, want RegistrationSuccessFrame", frames[0])
	}
	if ack.Type != wire.FrameRegistrationSuccess || ack.SessionID != sess.ID {
		t.Fatalf("ack content wrong: %+v", ack)
	}

	bound := srv.sessions.Lookup("R")
	if len(bound) != 1 || bound[0].ID != sess.ID {
		t.Fatalf("session not bound to R: %v", bound)
	}
}

func TestRegisterUserMissingContactCode(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	sess, sender := openTestSession(srv)

	srv.handleFrame(sess, []byte(`{"type":"register_user"}`))

	sender.lastError(t)
	if srv.sessions.Count() != 1 {
		t.Fatal("malformed frame must not close the session")
	}
	if len(srv.sessions.Lookup("")) != 0 {
		t.Fatal("session must not be bound to an empty code")
	}
}

func TestUnknownFrameTypeGetsErrorReply(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	sess, sender := openTestSession(srv)

	srv.handleFrame(sess, []byte(`{"type":"voice_call"}`))

	ef := sender.lastError(t)
	if ef.Type != wire.FrameError {
		t.Fatalf("error frame type = %q", ef.Type)
	}
	if srv.sessions.Count() != 1 {
		t.Fatal("unknown frame must not close the session")
	}
}

func TestMalformedJSONGetsErrorReply(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	sess, sender := openTestSession(srv)

	srv.handleFrame(sess, []byte(`{not json`))

	sender.lastError(t)
	if srv.sessions.Count() != 1 {
		t.Fatal("malformed frame must not close the session")
	}
}

func TestStatusUpdateBroadcastsToAllSessions(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	sess1, sender1 := openTestSession(srv)
	_, sender2 := openTestSession(srv)
	sess3, sender3 := openTestSession(srv)

	// Only one of the listeners is bound; broadcast reaches everyone anyway.
	if err := srv.sessions.Bind(sess3.ID, "R"); err != nil {
		t.Fatal(err)
	}

	raw := `{"type":"status_update","status":"away","customMessage":"brb"}`
	srv.handleFrame(sess1, []byte(raw))

	if sess1.Status() != "away" {
		t.Fatalf("sender status = %q, want away", sess1.Status())
	}

	for i, sender := range []*fakeSender{sender1, sender2, sender3} {
		frames := sender.sent()
		if len(frames) == 0 {
			t.Fatalf("session %d saw no broadcast", i+1)
		}
		data, err := json.Marshal(frames[len(frames)-1])
		if err != nil {
			t.Fatal(err)
		}
		// Forwarded verbatim.
		if string(data) != raw {
			t.Fatalf("session %d received %s, want %s", i+1, data, raw)
		}
	}
}

func TestRealTimeMessageForwardsOnlyToRecipient(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	senderSess, _ := openTestSession(srv)
	target, targetSender := openTestSession(srv)
	bystander, bystanderSender := openTestSession(srv)

	if err := srv.sessions.Bind(target.ID, "R"); err != nil {
		t.Fatal(err)
	}
	if err := srv.sessions.Bind(bystander.ID, "other"); err != nil {
		t.Fatal(err)
	}

	raw := `{"type":"real_time_message","recipientContactCode":"R","payload":{"kind":"typing"}}`
	srv.handleFrame(senderSess, []byte(raw))

	if len(targetSender.sent()) != 1 {
		t.Fatalf("target saw %d frames, want 1", len(targetSender.sent()))
	}
	if len(bystanderSender.sent()) != 0 {
		t.Fatal("bystander must not see the real-time frame")
	}

	// Ephemeral: the pool is never touched.
	if srv.pool.Size() != 0 {
		t.Fatalf("real_time_message touched the pool, size=%d", srv.pool.Size())
	}
}

func TestRealTimeMessageMissingRecipient(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	sess, sender := openTestSession(srv)

	srv.handleFrame(sess, []byte(`{"type":"real_time_message"}`))
	sender.lastError(t)
}

func TestBroadcastWriteFailureRemovesSession(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	sess, _ := openTestSession(srv)

	deadSender := &fakeSender{failSend: true}
	dead := srv.sessions.Open(deadSender)

	srv.handleFrame(sess, []byte(`{"type":"status_update","status":"online"}`))

	if !deadSender.closed {
		t.Fatal("failing session's transport must be closed")
	}
	for _, s := range srv.sessions.All() {
		if s.ID == dead.ID {
			t.Fatal("failing session must be removed from the registry")
		}
	}
}

func TestPublishAfterBindPushesToSession(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig())
	handler := srv.Handler()
	sess, sender := openTestSession(srv)

	srv.handleFrame(sess, []byte(`{"type":"register_user","contactCode":"R"}`))

	rec := doJSON(t, handler, http.MethodPost, "/api/messages", wire.PublishRequest{
		RecipientCode: "R", EncryptedMessage: "Y", MessageID: "m2",
	})
	resp := decodeBody[wire.PublishResponse](t, rec)
	if !resp.Delivered || resp.Pooled {
		t.Fatalf("want delivered, got %+v", resp)
	}

	var pushed []wire.NewMessageFrame
	for _, frame := range sender.sent() {
		if nm, ok := frame.(wire.NewMessageFrame); ok {
			pushed = append(pushed, nm)
		}
	}
	if len(pushed) != 1 {
		t.Fatalf("session saw %d new_message frames, want exactly 1", len(pushed))
	}
	if pushed[0].MessageID != "m2" || pushed[0].Message != "Y" {
		t.Fatalf("pushed frame wrong: %+v", pushed[0])
	}

	// Push removed the envelope; pull finds nothing.
	pull := decodeBody[wire.PullResponse](t, doJSON(t, handler, http.MethodGet, "/api/messages/R", nil))
	if len(pull.Messages) != 0 {
		t.Fatalf("pull after push must be empty: %+v", pull.Messages)
	}
}

func TestWebSocketRejectedByResourceGuard(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxConnections = 1
	srv, _ := newTestServer(t, cfg)
	handler := srv.Handler()

	// One open session puts the broker at its connection cap; the guard
	// turns the next upgrade attempt away before any handshake work.
	openTestSession(srv)

	rec := doJSON(t, handler, http.MethodGet, "/ws", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestIdleSessionEvictedThenPublishPools(t *testing.T) {
	srv, clk := newTestServer(t, testServerConfig())
	handler := srv.Handler()
	sess, _ := openTestSession(srv)

	srv.handleFrame(sess, []byte(`{"type":"register_user","contactCode":"R"}`))

	clk.Advance(6 * time.Minute)
	srv.reaper.SweepSessions()

	if srv.sessions.Count() != 0 {
		t.Fatalf("idle session must be gone, count=%d", srv.sessions.Count())
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/messages", wire.PublishRequest{
		RecipientCode: "R", EncryptedMessage: "X", MessageID: "m1",
	})
	resp := decodeBody[wire.PublishResponse](t, rec)
	if resp.Delivered || !resp.Pooled {
		t.Fatalf("publish after eviction must pool, got %+v", resp)
	}
}
