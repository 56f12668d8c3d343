package hub

import (
	"log"
	"strings"

	"github.com/parley/chat-relay/internal/events"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
)

// HandleBanUser executes the admin-only ban cascade against a registered
// identity. Validation fully precedes any mutation; the cascade itself runs
// to completion under the lock and its frames flush afterwards in order:
// per-message deletions, banned notices with forced disconnects, then the
// departure announcement.
func (h *Hub) HandleBanUser(connID, targetID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}

	var admin *identity
	if c.identityID != "" {
		admin = h.identities[c.identityID]
	}
	if admin == nil || !admin.IsAdmin {
		h.sendError(connID, codeNotAdmin, "only the admin can ban users")
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	target, ok := h.identities[targetID]
	if !ok {
		h.sendError(connID, codeUnknownUser, "no such user")
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}
	if target.ID == admin.ID {
		h.sendError(connID, codeCannotBanSelf, "you cannot ban yourself")
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	targetIP := target.IP
	targetFp := h.fingerprints[target.ID]
	removed := h.banLocked(admin, target)

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)

	// The audit write hits Postgres; keep it off the hub lock and off the
	// caller's path.
	if h.audit != nil {
		go h.audit.RecordBan(target.ID, target.Nickname, targetIP, targetFp,
			admin.ID, admin.Nickname, removed)
	}
}

// banLocked runs the cascade and returns the number of messages removed.
// All four registry adds happen even when redundant; the IP add is skipped
// when it matches the admin's own recorded address, and the fingerprint add
// when none was ever reported.
func (h *Hub) banLocked(admin, target *identity) int {
	lower := strings.ToLower(target.Nickname)

	h.bannedIDs[target.ID] = struct{}{}
	h.bannedNicks[lower] = struct{}{}
	if target.IP != "" && target.IP != admin.IP {
		h.bannedIPs[target.IP] = struct{}{}
	}
	if fp, ok := h.fingerprints[target.ID]; ok && fp != "" {
		h.bannedPrints[fp] = struct{}{}
	}

	delete(h.byToken, target.SessionToken)
	if target.DeviceCode != "" {
		delete(h.byCode, target.DeviceCode)
	}

	kept := make([]*message, 0, len(h.messages))
	removed := 0
	for _, m := range h.messages {
		if m.AuthorID == target.ID {
			removed++
			h.broadcast(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{ID: m.ID})
			continue
		}
		kept = append(kept, m)
	}
	h.messages = kept

	for liveID := range h.sessions[target.ID] {
		h.send(liveID, protocol.TypeBanned, protocol.BannedMsg{})
		h.disconnect(liveID)
	}
	delete(h.sessions, target.ID)

	delete(h.fingerprints, target.ID)
	delete(h.identities, target.ID)
	delete(h.byNickname, lower)
	h.identitiesGauge()

	h.broadcast(protocol.TypeUserLeft, protocol.UserLeftMsg{
		Nickname:    target.Nickname,
		OnlineCount: len(h.conns),
		Banned:      true,
	})
	h.publishPresence("left", target.Nickname, true)

	metrics.BansTotal.Inc()
	if h.tap != nil {
		h.tap.PublishBan(events.BanEvent{
			TargetID:        target.ID,
			TargetNickname:  target.Nickname,
			MessagesRemoved: removed,
			Ts:              h.now().UnixMilli(),
		})
	}
	h.persistLocked()

	log.Printf("hub: banned user=%s by=%s messages_removed=%d", target.Nickname, admin.Nickname, removed)
	return removed
}
