package hub

import (
	"regexp"
	"strings"
	"testing"

	"github.com/parley/chat-relay/internal/protocol"
)

var codeFormat = regexp.MustCompile(`^[A-Z0-9]{4}$`)

func generateCode(t *testing.T, h *Hub, s *fakeSender, connID string) string {
	t.Helper()
	h.HandleGenerateDeviceCode(connID)
	fr := s.lastSentOfType(t, connID, protocol.TypeDeviceCodeGenerated)
	if fr == nil {
		t.Fatalf("no device_code_generated frame for conn %s", connID)
	}
	return fr["device_code"].(string)
}

func TestDeviceCode_RequiresAttribution(t *testing.T) {
	h, s := newTestHub(t)

	h.OnConnect("c1", "203.0.113.1", "")
	h.HandleGenerateDeviceCode("c1")

	fr := s.lastSentOfType(t, "c1", protocol.TypeError)
	if fr == nil || fr["code"] != codeNotRegistered {
		t.Fatalf("unattributed code generation was not rejected: %v", fr)
	}
}

func TestDeviceCode_ShapeAndRegeneration(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "Trellis")

	first := generateCode(t, h, s, "c1")
	if !codeFormat.MatchString(first) {
		t.Fatalf("device code %q does not match the expected shape", first)
	}

	second := generateCode(t, h, s, "c1")
	if second == first {
		t.Fatal("regeneration returned the same code")
	}

	// The overwritten code is dead: presenting it now runs through normal
	// registration (four alphanumerics are also a valid nickname).
	h.OnConnect("c2", "203.0.113.2", "")
	h.HandleSetNickname("c2", first)
	fr := s.lastSentOfType(t, "c2", protocol.TypeNicknameAccepted)
	if fr == nil {
		t.Fatal("stale code input neither logged in nor registered")
	}
	if dl, _ := fr["is_device_login"].(bool); dl {
		t.Fatal("stale code still performed a device login")
	}
}

func TestDeviceCode_ConsumeAttachesAndIssuesFreshToken(t *testing.T) {
	h, s := newTestHub(t)
	userID, oldToken := registerUser(t, h, s, "c1", "203.0.113.1", "Trellis")
	code := generateCode(t, h, s, "c1")

	h.OnConnect("c2", "198.51.100.9", "")
	h.HandleSetNickname("c2", strings.ToLower(code))

	fr := s.lastSentOfType(t, "c2", protocol.TypeNicknameAccepted)
	if fr == nil {
		t.Fatal("device code consumption produced no acknowledgement")
	}
	if dl, _ := fr["is_device_login"].(bool); !dl {
		t.Fatal("acknowledgement lacks the device-login flag")
	}
	if got := fr["user"].(map[string]interface{})["id"]; got != userID {
		t.Fatalf("device login attached to user %v, want %s", got, userID)
	}

	fresh := fr["session_token"].(string)
	if fresh == oldToken {
		t.Fatal("device login reused the previous session token")
	}

	// Single active token per identity: the first device's token is dead.
	h.OnConnect("c3", "203.0.113.1", oldToken)
	if fr := s.lastSentOfType(t, "c3", protocol.TypeInvalidSession); fr == nil {
		t.Fatal("old token survived a device login")
	}

	// The first device is told its code was used elsewhere.
	del := s.lastSentOfType(t, "c1", protocol.TypeDeviceCodeDeleted)
	if del == nil || del["reason"] != "used_elsewhere" {
		t.Fatalf("first device was not notified of code use: %v", del)
	}

	// No duplicate presence: the identity was already online.
	if got := len(s.broadcastsOfType(t, protocol.TypeUserJoined)); got != 1 {
		t.Fatalf("user_joined broadcasts = %d, want 1", got)
	}
}

func TestDeviceCode_SingleUse(t *testing.T) {
	h, s := newTestHub(t)
	userID, _ := registerUser(t, h, s, "c1", "203.0.113.1", "Trellis")
	code := generateCode(t, h, s, "c1")

	h.OnConnect("c2", "198.51.100.9", "")
	h.HandleSetNickname("c2", code)

	// Second presentation falls through to registration and creates a
	// different identity named after the code.
	h.OnConnect("c3", "198.51.100.10", "")
	h.HandleSetNickname("c3", code)

	fr := s.lastSentOfType(t, "c3", protocol.TypeNicknameAccepted)
	if fr == nil {
		t.Fatal("second presentation of a consumed code failed entirely")
	}
	if dl, _ := fr["is_device_login"].(bool); dl {
		t.Fatal("consumed code was replayed as a device login")
	}
	if got := fr["user"].(map[string]interface{})["id"]; got == userID {
		t.Fatal("second presentation attached to the original identity")
	}
}

func TestDeviceCode_NicknameInCodeShapeRegistersWhenNoCodeMatches(t *testing.T) {
	h, s := newTestHub(t)

	h.OnConnect("c1", "203.0.113.1", "")
	h.HandleSetNickname("c1", "AB12")

	fr := s.lastSentOfType(t, "c1", protocol.TypeNicknameAccepted)
	if fr == nil {
		t.Fatal("code-shaped nickname with no live code did not register")
	}
	if got := fr["user"].(map[string]interface{})["nickname"]; got != "AB12" {
		t.Fatalf("registered nickname = %v, want AB12", got)
	}
}
