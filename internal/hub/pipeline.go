package hub

import (
	"log"

	"github.com/google/uuid"

	"github.com/parley/chat-relay/internal/events"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/moderation"
	"github.com/parley/chat-relay/internal/protocol"
)

// HandleChatMessage runs an inbound message through the moderation gates and
// broadcasts it on acceptance. The first failing gate wins; its reason goes
// back to the sender only. Every Nth accepted message triggers a snapshot.
func (h *Hub) HandleChatMessage(connID, text string) {
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

	body, res := moderation.Check(text, ident.lastMessage)
	if res.Blocked {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		metrics.GateRejections.WithLabelValues(res.Gate).Inc()
		h.publishMessageEvent("rejected", res.Gate, ident.Nickname)
		h.sendError(connID, codeMessageBlocked, res.Reason)
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	m := &message{
		ID:        uuid.New().String(),
		AuthorID:  ident.ID,
		Nickname:  ident.Nickname,
		AvatarHue: ident.AvatarHue,
		Body:      body,
		Timestamp: h.now(),
	}
	h.messages = append(h.messages, m)
	ident.lastMessage = body

	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	h.publishMessageEvent("accepted", "", ident.Nickname)
	h.broadcast(protocol.TypeMessage, messagePayload(m))

	h.acceptedSinceSave++
	if h.acceptedSinceSave >= h.config.PersistEvery {
		h.acceptedSinceSave = 0
		h.persistLocked()
	}

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)
}

// publishMessageEvent forwards one pipeline decision to the event tap.
func (h *Hub) publishMessageEvent(outcome, gate, nickname string) {
	if h.tap == nil {
		return
	}
	h.tap.PublishMessage(events.MessageEvent{
		Outcome:  outcome,
		Gate:     gate,
		Nickname: nickname,
		Ts:       h.now().UnixMilli(),
	})
}

// Sweep trims messages older than the retention horizon from the head of the
// time-ordered log, persisting only when at least one message was removed.
func (h *Hub) Sweep() {
	h.mu.Lock()

	cutoff := h.now().Add(-h.config.RetentionHorizon)
	cut := 0
	for cut < len(h.messages) && !h.messages[cut].Timestamp.After(cutoff) {
		cut++
	}
	if cut == 0 {
		h.mu.Unlock()
		return
	}

	h.messages = append([]*message(nil), h.messages[cut:]...)
	remaining := len(h.messages)
	metrics.RetentionRemoved.Add(float64(cut))
	h.persistLocked()
	h.mu.Unlock()

	log.Printf("hub: retention sweep removed=%d remaining=%d", cut, remaining)
}
