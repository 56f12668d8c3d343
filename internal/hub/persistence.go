package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/parley/chat-relay/internal/events"
)

// snapshotDoc is the persisted state document: identities, the session-token
// index, the retained message tail, all four ban sets, the fingerprint index,
// and the admin id.
type snapshotDoc struct {
	Identities   []*identity       `json:"identities"`
	Tokens       map[string]string `json:"tokens"`
	Messages     []*message        `json:"messages"`
	BannedIDs    []string          `json:"banned_ids"`
	BannedNicks  []string          `json:"banned_nicknames"`
	BannedIPs    []string          `json:"banned_ips"`
	BannedPrints []string          `json:"banned_fingerprints"`
	Fingerprints map[string]string `json:"fingerprints"`
	AdminID      string            `json:"admin_id"`
	SavedAt      time.Time         `json:"saved_at"`
}

// persistLocked marshals the current state and hands it to the saver. With
// no saver configured the relay runs memory-only and this is a no-op. The
// saver itself never blocks, so calling it under the lock is safe.
func (h *Hub) persistLocked() {
	if h.saver == nil {
		return
	}
	blob, err := json.Marshal(h.snapshotLocked())
	if err != nil {
		log.Printf("hub: snapshot marshal: %v", err)
		return
	}
	h.saver.Save(blob)

	if h.tap != nil {
		h.tap.PublishSystem(events.SystemEvent{Kind: "snapshot", Ts: h.now().UnixMilli()})
	}
}

// snapshotLocked builds the document from live state. Identities and ban
// sets are emitted in sorted order so identical state always marshals to
// identical bytes.
func (h *Hub) snapshotLocked() snapshotDoc {
	doc := snapshotDoc{
		Identities:   make([]*identity, 0, len(h.identities)),
		Tokens:       make(map[string]string, len(h.byToken)),
		Fingerprints: make(map[string]string, len(h.fingerprints)),
		AdminID:      h.adminID,
		SavedAt:      h.now(),
	}

	for _, ident := range h.identities {
		doc.Identities = append(doc.Identities, ident)
	}
	sort.Slice(doc.Identities, func(i, j int) bool {
		return doc.Identities[i].ID < doc.Identities[j].ID
	})

	for token, id := range h.byToken {
		doc.Tokens[token] = id
	}
	for id, fp := range h.fingerprints {
		doc.Fingerprints[id] = fp
	}

	msgs := h.messages
	if len(msgs) > h.config.HistoryLimit {
		msgs = msgs[len(msgs)-h.config.HistoryLimit:]
	}
	doc.Messages = append([]*message(nil), msgs...)

	doc.BannedIDs = sortedKeys(h.bannedIDs)
	doc.BannedNicks = sortedKeys(h.bannedNicks)
	doc.BannedIPs = sortedKeys(h.bannedIPs)
	doc.BannedPrints = sortedKeys(h.bannedPrints)

	return doc
}

// Restore loads a snapshot blob into the hub. It expects an empty hub and
// must run before Start and before the transport accepts connections.
// Messages already past the retention horizon are dropped on load. Identity
// fields are authoritative for the token and code indexes; the persisted
// token index is carried for the document shape, and any entry stale after a
// rotation fails closed at validation anyway.
func (h *Hub) Restore(blob []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("hub: snapshot decode: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ident := range doc.Identities {
		h.identities[ident.ID] = ident
		h.byNickname[strings.ToLower(ident.Nickname)] = ident.ID
		if ident.SessionToken != "" {
			h.byToken[ident.SessionToken] = ident.ID
		}
		if ident.DeviceCode != "" {
			h.byCode[ident.DeviceCode] = ident.ID
		}
	}

	cutoff := h.now().Add(-h.config.RetentionHorizon)
	for _, m := range doc.Messages {
		if !m.Timestamp.After(cutoff) {
			continue
		}
		h.messages = append(h.messages, m)
	}

	for _, id := range doc.BannedIDs {
		h.bannedIDs[id] = struct{}{}
	}
	for _, nick := range doc.BannedNicks {
		h.bannedNicks[nick] = struct{}{}
	}
	for _, ip := range doc.BannedIPs {
		h.bannedIPs[ip] = struct{}{}
	}
	for _, fp := range doc.BannedPrints {
		h.bannedPrints[fp] = struct{}{}
	}
	for id, fp := range doc.Fingerprints {
		h.fingerprints[id] = fp
	}

	// The admin latch survives a restart only while the admin identity
	// itself survives; a process that loads a snapshot without it starts
	// with the grant open again.
	if doc.AdminID != "" {
		if _, ok := h.identities[doc.AdminID]; ok {
			h.adminID = doc.AdminID
			h.adminGranted = true
		}
	}

	h.identitiesGauge()

	log.Printf("hub: restored snapshot identities=%d messages=%d banned_ids=%d saved_at=%s",
		len(h.identities), len(h.messages), len(h.bannedIDs), doc.SavedAt.Format(time.RFC3339))
	return nil
}
