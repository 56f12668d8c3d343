package hub

import (
	"crypto/rand"
	"log"
	"regexp"
	"strings"

	"github.com/parley/chat-relay/internal/protocol"
)

// codeAlphabet is the device-code character set.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// codeShapePattern matches input that is routed through device-code lookup
// before nickname registration. Nicknames in this shape still register
// normally when no live code matches.
var codeShapePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,6}$`)

// randomCode returns n characters from the device-code alphabet.
func randomCode(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i := range b {
		out[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(out), nil
}

// identityByCodeLocked resolves an outstanding device code, case-insensitively.
func (h *Hub) identityByCodeLocked(input string) *identity {
	id, ok := h.byCode[strings.ToUpper(input)]
	if !ok {
		return nil
	}
	return h.identities[id]
}

// HandleGenerateDeviceCode issues a cross-device login code to an attributed
// connection. Exactly one code per identity is outstanding at a time.
func (h *Hub) HandleGenerateDeviceCode(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}

	var ident *identity
	if c.identityID != "" {
		ident = h.identities[c.identityID]
	}
	if ident == nil {
		h.sendError(connID, codeNotRegistered, "set a nickname first")
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	code, err := h.assignDeviceCodeLocked(ident)
	if err != nil {
		log.Printf("hub: device code for %s: %v", ident.Nickname, err)
		h.sendError(connID, codeInternal, "could not generate a device code")
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	h.send(connID, protocol.TypeDeviceCodeGenerated, protocol.DeviceCodeGeneratedMsg{DeviceCode: code})

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)
}

// assignDeviceCodeLocked gives the identity a fresh outstanding code,
// silently invalidating any previous one. Codes are four characters with up
// to 100 collision retries, then eight characters until a free one turns up.
func (h *Hub) assignDeviceCodeLocked(ident *identity) (string, error) {
	var code string
	for attempt := 0; ; attempt++ {
		n := 4
		if attempt >= 100 {
			n = 8
		}
		candidate, err := randomCode(n)
		if err != nil {
			return "", err
		}
		if _, taken := h.byCode[candidate]; !taken {
			code = candidate
			break
		}
	}

	if ident.DeviceCode != "" {
		delete(h.byCode, ident.DeviceCode)
	}
	ident.DeviceCode = code
	h.byCode[code] = ident.ID

	log.Printf("hub: device code issued user=%s", ident.Nickname)
	return code, nil
}

// consumeDeviceCodeLocked logs the connection into the identity through its
// outstanding code. The code is removed before anything else so it can never
// be replayed; the identity's other live connections are told it was used
// elsewhere, and the consuming connection receives a fresh session token.
func (h *Hub) consumeDeviceCodeLocked(c *conn, ident *identity) {
	delete(h.byCode, ident.DeviceCode)
	ident.DeviceCode = ""

	for otherID := range h.sessions[ident.ID] {
		h.send(otherID, protocol.TypeDeviceCodeDeleted, protocol.DeviceCodeDeletedMsg{Reason: "used_elsewhere"})
	}

	token, err := h.issueTokenLocked(ident)
	if err != nil {
		log.Printf("hub: device login for %s: %v", ident.Nickname, err)
		h.sendError(c.id, codeInternal, "could not create a session")
		return
	}
	ident.IP = c.ip

	h.send(c.id, protocol.TypeNicknameAccepted, protocol.NicknameAcceptedMsg{
		User:          userPayload(ident),
		SessionToken:  token,
		IsAdmin:       ident.IsAdmin,
		IsDeviceLogin: true,
	})
	h.sendHistoryLocked(c.id)
	h.attachLocked(c, ident)
	h.persistLocked()

	log.Printf("hub: device login user=%s conn=%s", ident.Nickname, c.id)
}
