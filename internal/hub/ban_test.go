package hub

import (
	"testing"

	"github.com/parley/chat-relay/internal/protocol"
)

func TestBan_RequiresAdmin(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	plainID, _ := registerUser(t, h, s, "c3", "203.0.113.3", "Plain")

	h.HandleBanUser("c3", targetID)

	fr := s.lastSentOfType(t, "c3", protocol.TypeError)
	if fr == nil || fr["code"] != codeNotAdmin {
		t.Fatalf("non-admin ban produced %v, want %s", fr, codeNotAdmin)
	}
	if _, ok := h.identities[targetID]; !ok {
		t.Fatal("target was removed by a non-admin ban attempt")
	}
	_ = plainID
}

func TestBan_UnknownUser(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")

	h.HandleBanUser("c1", "no-such-identity")

	fr := s.lastSentOfType(t, "c1", protocol.TypeError)
	if fr == nil || fr["code"] != codeUnknownUser {
		t.Fatalf("ban of unknown id produced %v, want %s", fr, codeUnknownUser)
	}
}

func TestBan_CannotBanSelf(t *testing.T) {
	h, s := newTestHub(t)
	adminID, _ := registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")

	h.HandleBanUser("c1", adminID)

	fr := s.lastSentOfType(t, "c1", protocol.TypeError)
	if fr == nil || fr["code"] != codeCannotBanSelf {
		t.Fatalf("self-ban produced %v, want %s", fr, codeCannotBanSelf)
	}
	if _, ok := h.identities[adminID]; !ok {
		t.Fatal("admin identity removed by rejected self-ban")
	}
}

func TestBan_FullCascade(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, targetToken := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")

	// Second device for the target, resumed over the same address so the
	// token survives the handshake.
	h.OnConnect("c3", "203.0.113.2", targetToken)
	if s.lastSentOfType(t, "c3", protocol.TypeSessionValid) == nil {
		t.Fatal("second device did not resume")
	}

	h.HandleChatMessage("c2", "first from target")
	h.HandleChatMessage("c3", "second from target")
	h.HandleChatMessage("c1", "admin stays")

	var targetMsgIDs []string
	for _, m := range s.broadcastsOfType(t, protocol.TypeMessage) {
		if m["author_id"] == targetID {
			targetMsgIDs = append(targetMsgIDs, m["id"].(string))
		}
	}
	if len(targetMsgIDs) != 2 {
		t.Fatalf("target broadcast %d messages, want 2", len(targetMsgIDs))
	}

	h.HandleBanUser("c1", targetID)

	// Every one of the target's messages is deleted, and nothing else.
	deleted := s.broadcastsOfType(t, protocol.TypeMessageDeleted)
	if len(deleted) != 2 {
		t.Fatalf("message_deleted broadcasts = %d, want 2", len(deleted))
	}
	got := map[string]bool{}
	for _, d := range deleted {
		got[d["id"].(string)] = true
	}
	for _, id := range targetMsgIDs {
		if !got[id] {
			t.Fatalf("message %s was not deleted", id)
		}
	}

	// Both devices are told and force-closed.
	for _, connID := range []string{"c2", "c3"} {
		if len(s.sentOfType(t, connID, protocol.TypeBanned)) == 0 {
			t.Fatalf("conn %s got no banned frame", connID)
		}
		if _, alive := h.conns[connID]; alive {
			t.Fatalf("conn %s still tracked after ban", connID)
		}
	}
	closed := map[string]bool{}
	for _, id := range s.disconnected() {
		closed[id] = true
	}
	if !closed["c2"] || !closed["c3"] {
		t.Fatalf("forced disconnects = %v, want c2 and c3", s.disconnected())
	}

	// One banned departure, no plain one, deletions announced first.
	var lefts []map[string]interface{}
	for _, m := range s.broadcastsOfType(t, protocol.TypeUserLeft) {
		if m["nickname"] == "Trellis" {
			lefts = append(lefts, m)
		}
	}
	if len(lefts) != 1 || lefts[0]["banned"] != true {
		t.Fatalf("departures for target = %v, want one with banned", lefts)
	}
	if !deletionsPrecedeDeparture(t, s) {
		t.Fatal("user_left announced before message deletions")
	}

	// Registry state.
	if _, ok := h.bannedIDs[targetID]; !ok {
		t.Fatal("target id not in ban registry")
	}
	if _, ok := h.bannedNicks["trellis"]; !ok {
		t.Fatal("target nickname not in ban registry")
	}
	if _, ok := h.bannedIPs["203.0.113.2"]; !ok {
		t.Fatal("target ip not in ban registry")
	}
	if _, ok := h.identities[targetID]; ok {
		t.Fatal("target identity survived the ban")
	}

	// The admin's message is untouched.
	registerUser(t, h, s, "c4", "203.0.113.4", "Newcomer")
	hist := s.lastSentOfType(t, "c4", protocol.TypeMessageHistory)
	entries := hist["messages"].([]interface{})
	if len(entries) != 1 || entries[0].(map[string]interface{})["text"] != "admin stays" {
		t.Fatalf("history after ban = %v, want only the admin's message", entries)
	}

	// The nickname is burned and the token is dead.
	h.OnConnect("c5", "203.0.113.5", "")
	h.HandleSetNickname("c5", "Trellis")
	fr := s.lastSentOfType(t, "c5", protocol.TypeError)
	if fr == nil || fr["code"] != codeNicknameTaken {
		t.Fatalf("banned nickname re-registration produced %v", fr)
	}

	h.OnConnect("c6", "203.0.113.6", targetToken)
	if s.lastSentOfType(t, "c6", protocol.TypeInvalidSession) == nil {
		t.Fatal("banned identity's token still resumes")
	}
}

// deletionsPrecedeDeparture reports whether every message_deleted broadcast
// was queued before the banned user_left broadcast.
func deletionsPrecedeDeparture(t *testing.T, s *fakeSender) bool {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	leftAt := -1
	lastDeleted := -1
	for i, data := range s.broadcasts {
		m := decodeFrame(t, data)
		switch m["type"] {
		case protocol.TypeMessageDeleted:
			lastDeleted = i
		case protocol.TypeUserLeft:
			if m["banned"] == true && leftAt == -1 {
				leftAt = i
			}
		}
	}
	return leftAt != -1 && lastDeleted < leftAt
}

func TestBan_SkipsIPSharedWithAdmin(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.7", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.7", "Roommate")

	h.HandleBanUser("c1", targetID)

	if _, ok := h.bannedIPs["203.0.113.7"]; ok {
		t.Fatal("admin's own address was banned")
	}
	if _, ok := h.bannedIDs[targetID]; !ok {
		t.Fatal("identity ban missing")
	}
	if _, ok := h.bannedNicks["roommate"]; !ok {
		t.Fatal("nickname ban missing")
	}

	// The admin can still reconnect from the shared address.
	h.OnConnect("c3", "203.0.113.7", "")
	if _, alive := h.conns["c3"]; !alive {
		t.Fatal("connection from the shared address was rejected")
	}
}

func TestBan_FingerprintFollowsTarget(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	h.HandleSetFingerprint("c2", "fp-device-77")

	h.HandleBanUser("c1", targetID)

	if _, ok := h.bannedPrints["fp-device-77"]; !ok {
		t.Fatal("fingerprint not banned with its identity")
	}

	// The same device is recognized on a fresh address before it can
	// register again.
	h.OnConnect("c3", "203.0.113.9", "")
	h.HandleSetFingerprint("c3", "fp-device-77")
	if len(s.sentOfType(t, "c3", protocol.TypeBanned)) == 0 {
		t.Fatal("banned fingerprint was not rejected")
	}
	if _, alive := h.conns["c3"]; alive {
		t.Fatal("connection with banned fingerprint still tracked")
	}
}

func TestBan_InvalidatesDeviceCode(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")

	h.HandleGenerateDeviceCode("c2")
	code := s.lastSentOfType(t, "c2", protocol.TypeDeviceCodeGenerated)["device_code"].(string)

	h.HandleBanUser("c1", targetID)

	// Presenting the dead code falls through to plain registration under
	// the code text as a nickname.
	h.OnConnect("c3", "203.0.113.3", "")
	h.HandleSetNickname("c3", code)
	fr := s.lastSentOfType(t, "c3", protocol.TypeNicknameAccepted)
	if fr == nil {
		t.Fatal("code-shaped nickname was not registered after the ban")
	}
	if fr["is_device_login"] == true {
		t.Fatal("dead device code still logged a device in")
	}
}
