package hub

import (
	"reflect"
	"testing"

	"github.com/parley/chat-relay/internal/protocol"
)

func TestUnbanIP_RestoresAccess(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	h.HandleBanUser("c1", targetID)

	if !h.UnbanIP("203.0.113.2") {
		t.Fatal("UnbanIP returned false for a banned address")
	}
	if h.UnbanIP("203.0.113.2") {
		t.Fatal("UnbanIP returned true for an already-unbanned address")
	}

	h.OnConnect("c3", "203.0.113.2", "")
	if _, alive := h.conns["c3"]; !alive {
		t.Fatal("unbanned address still rejected")
	}

	// The identity and nickname facets are untouched by an IP unban.
	if _, ok := h.bannedIDs[targetID]; !ok {
		t.Fatal("identity ban lifted by an IP unban")
	}
	h.HandleSetNickname("c3", "Trellis")
	if fr := s.lastSentOfType(t, "c3", protocol.TypeError); fr == nil || fr["code"] != codeNicknameTaken {
		t.Fatalf("banned nickname registrable after IP unban: %v", fr)
	}
}

func TestClearBans_EmptiesEveryFacet(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	h.HandleSetFingerprint("c2", "fp-55")
	h.HandleBanUser("c1", targetID)

	st := h.Stats()
	if st.BannedIDs == 0 || st.BannedNicknames == 0 || st.BannedIPs == 0 || st.BannedFingerprints == 0 {
		t.Fatalf("ban did not populate all facets: %+v", st)
	}

	h.ClearBans()

	st = h.Stats()
	if st.BannedIDs != 0 || st.BannedNicknames != 0 || st.BannedIPs != 0 || st.BannedFingerprints != 0 {
		t.Fatalf("ClearBans left entries behind: %+v", st)
	}

	// The nickname is registrable again.
	h.OnConnect("c3", "203.0.113.2", "")
	h.HandleSetNickname("c3", "Trellis")
	if s.lastSentOfType(t, "c3", protocol.TypeNicknameAccepted) == nil {
		t.Fatal("nickname still blocked after ClearBans")
	}
}

func TestClearIdentities_DetachesWithoutClosing(t *testing.T) {
	h, s := newTestHub(t)
	_, tokenA := registerUser(t, h, s, "c1", "203.0.113.1", "Alpha")
	registerUser(t, h, s, "c2", "203.0.113.2", "Beta")
	h.HandleChatMessage("c1", "survives the purge")

	h.ClearIdentities()

	for _, connID := range []string{"c1", "c2"} {
		if s.lastSentOfType(t, connID, protocol.TypeInvalidSession) == nil {
			t.Fatalf("conn %s was not told its session is invalid", connID)
		}
		if _, alive := h.conns[connID]; !alive {
			t.Fatalf("conn %s was closed by ClearIdentities", connID)
		}
	}
	if len(s.disconnected()) != 0 {
		t.Fatalf("ClearIdentities forced disconnects: %v", s.disconnected())
	}

	st := h.Stats()
	if st.Identities != 0 {
		t.Fatalf("identities after clear = %d", st.Identities)
	}
	if st.Messages != 1 {
		t.Fatalf("messages after clear = %d, want 1", st.Messages)
	}

	// Dead token, free nickname, history intact for the next registrant.
	h.OnConnect("c3", "203.0.113.1", tokenA)
	if s.lastSentOfType(t, "c3", protocol.TypeInvalidSession) == nil {
		t.Fatal("cleared identity's token still resumes")
	}
	h.HandleSetNickname("c3", "Alpha")
	if s.lastSentOfType(t, "c3", protocol.TypeNicknameAccepted) == nil {
		t.Fatal("nickname not freed by ClearIdentities")
	}
	hist := s.lastSentOfType(t, "c3", protocol.TypeMessageHistory)
	if entries := hist["messages"].([]interface{}); len(entries) != 1 {
		t.Fatalf("history after clear = %d entries, want 1", len(entries))
	}
}

func TestLookupNickname_States(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	registerUser(t, h, s, "c3", "203.0.113.3", "Sleeper")
	h.OnDisconnect("c3")

	h.HandleBanUser("c1", targetID)

	tests := []struct {
		nick string
		want NicknameState
	}{
		{"Ghost", NicknameState{Nickname: "Ghost"}},
		{"mefisto", NicknameState{Nickname: "mefisto", Registered: true, Live: true, IsAdmin: true}},
		{"SLEEPER", NicknameState{Nickname: "SLEEPER", Registered: true}},
		{"trellis", NicknameState{Nickname: "trellis", Banned: true}},
	}
	for _, tt := range tests {
		if got := h.LookupNickname(tt.nick); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("LookupNickname(%q) = %+v, want %+v", tt.nick, got, tt.want)
		}
	}
}

func TestBannedIPs_Sorted(t *testing.T) {
	h, _ := newTestHub(t)
	h.mu.Lock()
	for _, ip := range []string{"203.0.113.9", "10.0.0.2", "192.168.1.5"} {
		h.bannedIPs[ip] = struct{}{}
	}
	h.mu.Unlock()

	want := []string{"10.0.0.2", "192.168.1.5", "203.0.113.9"}
	if got := h.BannedIPs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("BannedIPs() = %v, want %v", got, want)
	}
}

func TestStats_CountsEverything(t *testing.T) {
	h, s := newTestHub(t)
	registerUser(t, h, s, "c1", "203.0.113.1", "mefisto")
	targetID, _ := registerUser(t, h, s, "c2", "203.0.113.2", "Trellis")
	h.OnConnect("c3", "203.0.113.3", "") // never registers

	h.HandleChatMessage("c1", "one")
	h.HandleChatMessage("c2", "two")
	h.HandleBanUser("c1", targetID)

	got := h.Stats()
	want := Stats{
		Connections:     2, // c2 was force-closed
		Identities:      1,
		Messages:        1, // the target's message was deleted
		BannedIDs:       1,
		BannedNicknames: 1,
		BannedIPs:       1,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Stats() = %+v, want %+v", got, want)
	}
}
