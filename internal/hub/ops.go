package hub

import (
	"log"
	"sort"
	"strings"

	"github.com/parley/chat-relay/internal/protocol"
)

// Stats is the health snapshot served by the ops surface.
type Stats struct {
	Connections        int `json:"connections"`
	Identities         int `json:"identities"`
	Messages           int `json:"messages"`
	BannedIDs          int `json:"banned_ids"`
	BannedNicknames    int `json:"banned_nicknames"`
	BannedIPs          int `json:"banned_ips"`
	BannedFingerprints int `json:"banned_fingerprints"`
}

// Stats returns current counters for the health endpoint.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Connections:        len(h.conns),
		Identities:         len(h.identities),
		Messages:           len(h.messages),
		BannedIDs:          len(h.bannedIDs),
		BannedNicknames:    len(h.bannedNicks),
		BannedIPs:          len(h.bannedIPs),
		BannedFingerprints: len(h.bannedPrints),
	}
}

// BannedIPs returns the banned IP list in sorted order.
func (h *Hub) BannedIPs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedKeys(h.bannedIPs)
}

// UnbanIP removes a single IP from the banned set and reports whether it was
// present. IPs are the only facet with point-unban; the other three sets
// clear only in bulk.
func (h *Hub) UnbanIP(ip string) bool {
	h.mu.Lock()
	_, present := h.bannedIPs[ip]
	if present {
		delete(h.bannedIPs, ip)
		h.persistLocked()
	}
	h.mu.Unlock()

	if present {
		log.Printf("hub: unbanned ip=%s", ip)
	}
	return present
}

// ClearBans empties all four ban sets.
func (h *Hub) ClearBans() {
	h.mu.Lock()
	n := len(h.bannedIDs) + len(h.bannedNicks) + len(h.bannedIPs) + len(h.bannedPrints)
	h.bannedIDs = make(map[string]struct{})
	h.bannedNicks = make(map[string]struct{})
	h.bannedIPs = make(map[string]struct{})
	h.bannedPrints = make(map[string]struct{})
	h.persistLocked()
	h.mu.Unlock()

	log.Printf("hub: cleared %d ban entries", n)
}

// ClearIdentities removes every registered identity. Live connections are
// detached and told their session is invalid, but stay open; the message log
// is untouched. The admin latch is not reset.
func (h *Hub) ClearIdentities() {
	h.mu.Lock()

	for _, c := range h.conns {
		if c.identityID == "" {
			continue
		}
		c.identityID = ""
		h.send(c.id, protocol.TypeInvalidSession, protocol.InvalidSessionMsg{})
	}

	n := len(h.identities)
	h.identities = make(map[string]*identity)
	h.byNickname = make(map[string]string)
	h.byToken = make(map[string]string)
	h.byCode = make(map[string]string)
	h.sessions = make(map[string]map[string]struct{})
	h.fingerprints = make(map[string]string)
	h.identitiesGauge()
	h.persistLocked()

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)

	log.Printf("hub: cleared %d identities", n)
}

// NicknameState is the debug view of one nickname.
type NicknameState struct {
	Nickname   string `json:"nickname"`
	Registered bool   `json:"registered"`
	Live       bool   `json:"live"`
	Banned     bool   `json:"banned"`
	IsAdmin    bool   `json:"is_admin,omitempty"`
}

// LookupNickname reports the registered/live/banned state of a nickname.
func (h *Hub) LookupNickname(nick string) NicknameState {
	h.mu.Lock()
	defer h.mu.Unlock()

	lower := strings.ToLower(nick)
	st := NicknameState{Nickname: nick}
	_, st.Banned = h.bannedNicks[lower]

	id, ok := h.byNickname[lower]
	if !ok {
		return st
	}
	st.Registered = true
	st.Live = len(h.sessions[id]) > 0
	if ident := h.identities[id]; ident != nil {
		st.IsAdmin = ident.IsAdmin
	}
	return st
}

// sortedKeys returns a set's members in sorted order.
func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
