package hub

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
)

// newSessionToken returns a 64-character hex token carrying 256 bits of
// randomness.
func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("hub: token generation: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// validateTokenLocked resolves a presented token to its identity. It fails
// closed: unknown tokens, and tokens that no longer match the identity's
// current token (a rotation raced the client), both return nil.
func (h *Hub) validateTokenLocked(token string) *identity {
	if token == "" {
		return nil
	}
	id, ok := h.byToken[token]
	if !ok {
		return nil
	}
	ident, ok := h.identities[id]
	if !ok || ident.SessionToken != token {
		return nil
	}
	return ident
}

// issueTokenLocked generates a fresh token for the identity, invalidating the
// previous one. Exactly one token per identity is ever valid.
func (h *Hub) issueTokenLocked(ident *identity) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	if ident.SessionToken != "" {
		delete(h.byToken, ident.SessionToken)
	}
	ident.SessionToken = token
	h.byToken[token] = ident.ID
	return token, nil
}

// rotateOnIPChangeLocked rotates the identity's token when the observed
// client address differs from the recorded one, binding session continuity
// loosely to network origin without hard-failing legitimate IP changes.
func (h *Hub) rotateOnIPChangeLocked(ident *identity, observedIP string) {
	if observedIP == "" || ident.IP == observedIP {
		return
	}
	if _, err := h.issueTokenLocked(ident); err != nil {
		// Keep the old token rather than strand the identity without one.
		log.Printf("hub: token rotation for %s failed: %v", ident.Nickname, err)
		return
	}
	log.Printf("hub: rotated session token user=%s ip=%s", ident.Nickname, observedIP)
	ident.IP = observedIP
	h.persistLocked()
}
