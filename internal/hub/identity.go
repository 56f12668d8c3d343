package hub

import (
	"crypto/rand"
	"encoding/binary"
	"log"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/parley/chat-relay/internal/protocol"
)

// adminNickname grants admin to the first identity that registers it. The
// grant happens at most once per process lifetime: after a ban or an
// administrative clear nobody can become admin again.
const adminNickname = "mefisto"

// nicknamePattern is the accepted nickname shape.
var nicknamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// Error codes carried in error frames.
const (
	codeNicknameInvalid   = "nickname_invalid"
	codeNicknameTaken     = "nickname_taken"
	codeAlreadyRegistered = "already_registered"
	codeNotRegistered     = "not_registered"
	codeNotAdmin          = "not_admin"
	codeUnknownUser       = "unknown_user"
	codeCannotBanSelf     = "cannot_ban_self"
	codeMessageBlocked    = "message_blocked"
	codeInternal          = "internal_error"
)

// sendError queues an error frame for one connection.
func (h *Hub) sendError(connID, code, msg string) {
	h.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: msg})
}

// HandleSetNickname registers a nickname for an unattributed connection.
// Input shaped like a device code is first tried as a cross-device login;
// only when no live code matches does normal registration proceed, so
// ordinary nicknames inside the code shape still work.
func (h *Hub) HandleSetNickname(connID, raw string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}

	if c.identityID != "" {
		h.sendError(connID, codeAlreadyRegistered, "nickname is already set for this session")
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	trimmed := strings.TrimSpace(raw)

	if codeShapePattern.MatchString(trimmed) {
		if ident := h.identityByCodeLocked(trimmed); ident != nil {
			h.consumeDeviceCodeLocked(c, ident)
			out := h.takeOutbox()
			h.mu.Unlock()
			h.flush(out)
			return
		}
	}

	ident, errCode, errMsg := h.registerIdentityLocked(trimmed, c.ip)
	if ident == nil {
		h.sendError(connID, errCode, errMsg)
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	h.send(connID, protocol.TypeNicknameAccepted, protocol.NicknameAcceptedMsg{
		User:         userPayload(ident),
		SessionToken: ident.SessionToken,
		IsAdmin:      ident.IsAdmin,
	})
	h.sendHistoryLocked(connID)
	h.attachLocked(c, ident)
	h.persistLocked()

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)
}

// registerIdentityLocked validates the nickname and creates a fresh identity
// with a session token. The taken check is case-insensitive and covers both
// live registrations and banned nicknames. Returns the identity, or nil with
// an error code and client-facing message.
func (h *Hub) registerIdentityLocked(nickname, ip string) (*identity, string, string) {
	if !nicknamePattern.MatchString(nickname) {
		return nil, codeNicknameInvalid, "nickname must be 3-20 letters, numbers or underscores"
	}

	lower := strings.ToLower(nickname)
	if _, taken := h.byNickname[lower]; taken {
		return nil, codeNicknameTaken, "that nickname is taken"
	}
	if _, banned := h.bannedNicks[lower]; banned {
		return nil, codeNicknameTaken, "that nickname is taken"
	}

	ident := &identity{
		ID:        uuid.New().String(),
		Nickname:  nickname,
		AvatarHue: randomHue(),
		IP:        ip,
		CreatedAt: h.now(),
	}
	if !h.adminGranted && lower == adminNickname {
		ident.IsAdmin = true
		h.adminGranted = true
		h.adminID = ident.ID
	}
	if _, err := h.issueTokenLocked(ident); err != nil {
		log.Printf("hub: register %s: %v", nickname, err)
		return nil, codeInternal, "could not create a session"
	}

	h.identities[ident.ID] = ident
	h.byNickname[lower] = ident.ID
	h.identitiesGauge()

	log.Printf("hub: registered user=%s admin=%t", ident.Nickname, ident.IsAdmin)
	return ident, "", ""
}

// HandleRejoin resumes an identity from an explicitly presented session
// token. The acknowledgement mirrors registration with the rejoin flag set;
// an invalid token tells the client to clear its stored copy.
func (h *Hub) HandleRejoin(connID, token string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}

	ident := h.validateTokenLocked(token)
	if ident == nil {
		h.send(connID, protocol.TypeInvalidSession, protocol.InvalidSessionMsg{})
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	if c.identityID == ident.ID {
		// Duplicate rejoin on an already-attributed connection: re-acknowledge
		// without touching presence.
		h.send(connID, protocol.TypeNicknameAccepted, protocol.NicknameAcceptedMsg{
			User:         userPayload(ident),
			SessionToken: ident.SessionToken,
			DeviceCode:   ident.DeviceCode,
			IsAdmin:      ident.IsAdmin,
			IsRejoin:     true,
		})
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}
	if c.identityID != "" {
		h.untrackLocked(c.identityID, connID)
	}

	h.rotateOnIPChangeLocked(ident, c.ip)
	h.send(connID, protocol.TypeNicknameAccepted, protocol.NicknameAcceptedMsg{
		User:         userPayload(ident),
		SessionToken: ident.SessionToken,
		DeviceCode:   ident.DeviceCode,
		IsAdmin:      ident.IsAdmin,
		IsRejoin:     true,
	})
	h.sendHistoryLocked(connID)
	h.attachLocked(c, ident)

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)
}

// HandleSetFingerprint attaches a browser fingerprint to the connection and
// enforces fingerprint bans immediately. Fingerprints reported before
// attribution are propagated to the identity when it attaches.
func (h *Hub) HandleSetFingerprint(connID, fingerprint string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok || fingerprint == "" {
		h.mu.Unlock()
		return
	}

	c.fingerprint = fingerprint
	if c.identityID != "" {
		h.fingerprints[c.identityID] = fingerprint
	}

	if _, banned := h.bannedPrints[fingerprint]; banned {
		log.Printf("hub: banned fingerprint reconnected conn=%s", connID)
		h.send(connID, protocol.TypeBanned, protocol.BannedMsg{})
		h.disconnect(connID)
	}

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)
}

// randomHue returns a uniform avatar hue in [0, 360).
func randomHue() int {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b[:]) % 360)
}
