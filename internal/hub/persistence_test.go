package hub

import (
	"testing"
	"time"

	"github.com/parley/chat-relay/internal/protocol"
)

// restoreInto loads a snapshot blob into a fresh hub wired to its own fake
// sender, standing in for a process restart.
func restoreInto(t *testing.T, cfg Config, blob []byte) (*Hub, *fakeSender) {
	t.Helper()
	s := newFakeSender()
	h := New(cfg, s, nil, nil, nil)
	s.hub = h
	if err := h.Restore(blob); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return h, s
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := newFakeSender()
	saver := &fakeSaver{}
	h := New(DefaultConfig(), s, saver, nil, nil)
	s.hub = h

	adminID, _ := registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	userID, userToken := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	h.HandleSetFingerprint("c2", "fp-11")
	h.HandleGenerateDeviceCode("c2")
	code := s.lastSentOfType(t, "c2", protocol.TypeDeviceCodeGenerated)["device_code"].(string)
	h.HandleChatMessage("c2", "will be replayed")
	h.Stop() // final persist

	h2, s2 := restoreInto(t, DefaultConfig(), saver.last())

	// The token resumes the same identity.
	h2.OnConnect("r1", "203.0.113.2", userToken)
	fr := s2.lastSentOfType(t, "r1", protocol.TypeSessionValid)
	if fr == nil {
		t.Fatal("token did not survive the restart")
	}
	if user := fr["user"].(map[string]interface{}); user["id"] != userID || user["nickname"] != "Trellis" {
		t.Fatalf("resumed wrong identity: %v", fr)
	}
	hist := s2.lastSentOfType(t, "r1", protocol.TypeMessageHistory)
	if entries := hist["messages"].([]interface{}); len(entries) != 1 ||
		entries[0].(map[string]interface{})["text"] != "will be replayed" {
		t.Fatalf("history not restored: %v", hist)
	}

	// The pending device code still logs a device in.
	h2.OnConnect("r2", "203.0.113.5", "")
	h2.HandleSetNickname("r2", code)
	ack := s2.lastSentOfType(t, "r2", protocol.TypeNicknameAccepted)
	if ack == nil || ack["is_device_login"] != true {
		t.Fatalf("device code did not survive the restart: %v", ack)
	}
	if user := ack["user"].(map[string]interface{}); user["id"] != userID {
		t.Fatalf("device code attached the wrong identity: %v", ack)
	}

	// Nicknames stay reserved and the admin latch stays closed.
	h2.OnConnect("r3", "203.0.113.6", "")
	h2.HandleSetNickname("r3", "TRELLIS")
	if fr := s2.lastSentOfType(t, "r3", protocol.TypeError); fr == nil || fr["code"] != codeNicknameTaken {
		t.Fatalf("restored nickname not reserved: %v", fr)
	}
	if !h2.adminGranted || h2.adminID != adminID {
		t.Fatal("admin latch not restored with the admin identity")
	}
}

func TestSnapshot_DropsExpiredMessagesOnLoad(t *testing.T) {
	s := newFakeSender()
	saver := &fakeSaver{}
	cfg := DefaultConfig()
	cfg.PersistEvery = 1
	h := New(cfg, s, saver, nil, nil)
	s.hub = h

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return t0 }
	registerUser(t, h, s, "c1", "203.0.113.1", "Trellis")
	h.HandleChatMessage("c1", "stale by restart")
	h.now = func() time.Time { return t0.Add(20 * time.Hour) }
	h.HandleChatMessage("c1", "still fresh")

	s2 := newFakeSender()
	h2 := New(cfg, s2, nil, nil, nil)
	s2.hub = h2
	h2.now = func() time.Time { return t0.Add(25 * time.Hour) }
	if err := h2.Restore(saver.last()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if got := h2.Stats().Messages; got != 1 {
		t.Fatalf("messages after restore = %d, want 1", got)
	}
	if h2.messages[0].Body != "still fresh" {
		t.Fatalf("wrong survivor: %q", h2.messages[0].Body)
	}
}

func TestSnapshot_AdminGrantReopensWhenAdminGone(t *testing.T) {
	s := newFakeSender()
	saver := &fakeSaver{}
	h := New(DefaultConfig(), s, saver, nil, nil)
	s.hub = h

	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	// An administrative purge removes every identity but leaves the
	// in-process latch closed; the snapshot now names an admin id that no
	// longer exists.
	h.ClearIdentities()

	h2, s2 := restoreInto(t, DefaultConfig(), saver.last())
	if h2.adminGranted {
		t.Fatal("latch closed without an admin identity in the snapshot")
	}

	h2.OnConnect("r1", "203.0.113.1", "")
	h2.HandleSetNickname("r1", "mefisto")
	ack := s2.lastSentOfType(t, "r1", protocol.TypeNicknameAccepted)
	if ack == nil || ack["is_admin"] != true {
		t.Fatalf("first mefisto after restart not granted admin: %v", ack)
	}
}

func TestSnapshot_CapsMessagesAtHistoryLimit(t *testing.T) {
	s := newFakeSender()
	saver := &fakeSaver{}
	cfg := DefaultConfig()
	cfg.PersistEvery = 1
	cfg.HistoryLimit = 5
	h := New(cfg, s, saver, nil, nil)
	s.hub = h

	registerUser(t, h, s, "c1", "203.0.113.1", "Trellis")
	bodies := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8"}
	for _, b := range bodies {
		h.HandleChatMessage("c1", b)
	}

	h2, _ := restoreInto(t, cfg, saver.last())
	if got := h2.Stats().Messages; got != 5 {
		t.Fatalf("restored messages = %d, want the last 5", got)
	}
	want := []string{"m4", "m5", "m6", "m7", "m8"}
	for i, w := range want {
		if h2.messages[i].Body != w {
			t.Fatalf("restored[%d] = %q, want %q", i, h2.messages[i].Body, w)
		}
	}
}

func TestSnapshot_BanSetsSurvive(t *testing.T) {
	s := newFakeSender()
	saver := &fakeSaver{}
	h := New(DefaultConfig(), s, saver, nil, nil)
	s.hub = h

	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	h.HandleSetFingerprint("c2", "fp-22")
	h.HandleBanUser("c1", targetID)

	h2, s2 := restoreInto(t, DefaultConfig(), saver.last())

	// Banned address: rejected at the handshake.
	h2.OnConnect("r1", "203.0.113.2", "")
	if len(s2.sentOfType(t, "r1", protocol.TypeBanned)) == 0 {
		t.Fatal("banned ip admitted after restart")
	}

	// Banned nickname: still reserved.
	h2.OnConnect("r2", "203.0.113.8", "")
	h2.HandleSetNickname("r2", "Trellis")
	if fr := s2.lastSentOfType(t, "r2", protocol.TypeError); fr == nil || fr["code"] != codeNicknameTaken {
		t.Fatalf("banned nickname registrable after restart: %v", fr)
	}

	// Banned fingerprint: recognized before registration.
	h2.OnConnect("r3", "203.0.113.9", "")
	h2.HandleSetFingerprint("r3", "fp-22")
	if len(s2.sentOfType(t, "r3", protocol.TypeBanned)) == 0 {
		t.Fatal("banned fingerprint admitted after restart")
	}
}
