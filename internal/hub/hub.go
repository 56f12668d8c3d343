// Package hub owns every piece of chat state: registered identities, session
// tokens, device codes, ban sets, live-connection presence, and the retained
// message log. All of it lives behind a single mutex on the Hub struct, and
// every state transition is an exported method that runs to completion under
// the lock. Outbound frames and forced disconnects are collected into an
// outbox and flushed only after the lock is released, so the transport is
// never driven while hub state is mid-mutation.
package hub

import (
	"log"
	"sync"
	"time"

	"github.com/parley/chat-relay/internal/events"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
)

// Sender is the transport surface the hub drives. The WebSocket server
// implements it; tests substitute a recorder.
type Sender interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
	Disconnect(connID string)
}

// Saver receives marshalled snapshots for asynchronous persistence. The
// snapshot writer implements it; a nil Saver degrades the relay to
// memory-only operation.
type Saver interface {
	Save(blob []byte)
}

// AuditRecorder receives completed ban cascades for durable audit. The
// Postgres audit store implements it; nil skips auditing.
type AuditRecorder interface {
	RecordBan(targetID, targetNickname, targetIP, targetFingerprint, adminID, adminNickname string, messagesRemoved int)
}

// Config holds hub tuning parameters.
type Config struct {
	RetentionHorizon time.Duration // messages older than this are swept
	SweepInterval    time.Duration // how often the retention sweep runs
	SnapshotInterval time.Duration // unconditional periodic snapshot
	HistoryLimit     int           // messages kept in history replay and snapshots
	PersistEvery     int           // snapshot after every Nth accepted message
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RetentionHorizon: 24 * time.Hour,
		SweepInterval:    60 * time.Second,
		SnapshotInterval: 5 * time.Minute,
		HistoryLimit:     200,
		PersistEvery:     10,
	}
}

// conn is the hub's view of one live transport connection.
type conn struct {
	id          string
	ip          string
	fingerprint string
	identityID  string // empty until a nickname is set or a session resumes
}

// identity is one permanent registered participant. Exported fields persist
// in snapshots.
type identity struct {
	ID           string    `json:"id"`
	Nickname     string    `json:"nickname"`
	AvatarHue    int       `json:"avatar_hue"`
	IsAdmin      bool      `json:"is_admin"`
	IP           string    `json:"ip"`
	SessionToken string    `json:"session_token"`
	DeviceCode   string    `json:"device_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	lastMessage string // previous accepted message body, for the duplicate gate
}

// message is one retained chat message.
type message struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Nickname  string    `json:"nickname"`
	AvatarHue int       `json:"avatar_hue"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// outFrame is one deferred transport action, executed after the hub lock is
// released. An empty connID means broadcast; disconnect closes the connection.
type outFrame struct {
	connID     string
	data       []byte
	disconnect bool
}

// Hub coordinates all chat state. See the package comment for the locking
// and outbox discipline.
type Hub struct {
	config Config
	sender Sender
	saver  Saver
	tap    *events.Client
	audit  AuditRecorder

	mu sync.Mutex

	conns      map[string]*conn     // every live transport connection, by id
	identities map[string]*identity // registered identities, by id
	byNickname map[string]string    // lowercase nickname -> identity id
	byToken    map[string]string    // session token -> identity id
	byCode     map[string]string    // device code -> identity id

	sessions map[string]map[string]struct{} // identity id -> live conn ids

	fingerprints map[string]string // identity id -> last reported fingerprint

	bannedIDs    map[string]struct{}
	bannedNicks  map[string]struct{} // lowercase
	bannedIPs    map[string]struct{}
	bannedPrints map[string]struct{}

	adminID      string
	adminGranted bool // set once when the admin nickname first registers, never cleared

	messages          []*message // append-only at the tail, ordered by timestamp
	acceptedSinceSave int

	outbox []outFrame

	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Hub with the given collaborators. saver, tap and audit may
// each be nil; the corresponding concern is then skipped entirely.
func New(config Config, sender Sender, saver Saver, tap *events.Client, audit AuditRecorder) *Hub {
	return &Hub{
		config:       config,
		sender:       sender,
		saver:        saver,
		tap:          tap,
		audit:        audit,
		conns:        make(map[string]*conn),
		identities:   make(map[string]*identity),
		byNickname:   make(map[string]string),
		byToken:      make(map[string]string),
		byCode:       make(map[string]string),
		sessions:     make(map[string]map[string]struct{}),
		fingerprints: make(map[string]string),
		bannedIDs:    make(map[string]struct{}),
		bannedNicks:  make(map[string]struct{}),
		bannedIPs:    make(map[string]struct{}),
		bannedPrints: make(map[string]struct{}),
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

// Start launches the retention sweep and periodic snapshot tickers.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		sweep := time.NewTicker(h.config.SweepInterval)
		defer sweep.Stop()
		snap := time.NewTicker(h.config.SnapshotInterval)
		defer snap.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-sweep.C:
				h.Sweep()
			case <-snap.C:
				h.mu.Lock()
				h.persistLocked()
				h.mu.Unlock()
			}
		}
	}()
	log.Printf("hub: started (retention=%s sweep=%s snapshot=%s)",
		h.config.RetentionHorizon, h.config.SweepInterval, h.config.SnapshotInterval)
}

// Stop halts the background tickers and persists a final snapshot.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	h.persistLocked()
	h.mu.Unlock()
	log.Printf("hub: stopped")
}

// ---------------------------------------------------------------------------
// Outbox helpers. All run under h.mu; flush runs after it is released.
// ---------------------------------------------------------------------------

// send queues a typed frame for one connection.
func (h *Hub) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("hub: build %s frame: %v", msgType, err)
		return
	}
	h.outbox = append(h.outbox, outFrame{connID: connID, data: data})
}

// broadcast queues a typed frame for every live connection.
func (h *Hub) broadcast(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("hub: build %s frame: %v", msgType, err)
		return
	}
	h.outbox = append(h.outbox, outFrame{data: data})
}

// disconnect queues a forced close for one connection.
func (h *Hub) disconnect(connID string) {
	h.outbox = append(h.outbox, outFrame{connID: connID, disconnect: true})
}

// takeOutbox returns the queued frames and resets the outbox.
func (h *Hub) takeOutbox() []outFrame {
	out := h.outbox
	h.outbox = nil
	return out
}

// flush executes queued transport actions in order. Must be called without
// holding h.mu: disconnects re-enter the hub through OnDisconnect.
func (h *Hub) flush(out []outFrame) {
	for _, f := range out {
		switch {
		case f.disconnect:
			h.sender.Disconnect(f.connID)
		case f.connID == "":
			h.sender.Broadcast(f.data)
		default:
			// Send errors mean the connection died mid-flush; the transport's
			// disconnect path cleans up.
			_ = h.sender.SendMessage(f.connID, f.data)
		}
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// OnConnect registers a new transport connection. Banned IPs are rejected
// before they enter the global set. A resume token from the session cookie is
// validated here; a valid one silently re-attributes the connection, an
// invalid one tells the client to discard it.
func (h *Hub) OnConnect(connID, ip, resumeToken string) {
	h.mu.Lock()

	if _, banned := h.bannedIPs[ip]; banned {
		h.send(connID, protocol.TypeBanned, protocol.BannedMsg{})
		h.disconnect(connID)
		out := h.takeOutbox()
		h.mu.Unlock()
		h.flush(out)
		return
	}

	c := &conn{id: connID, ip: ip}
	h.conns[connID] = c
	h.broadcast(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: len(h.conns)})

	if resumeToken != "" {
		if ident := h.validateTokenLocked(resumeToken); ident != nil {
			h.rotateOnIPChangeLocked(ident, ip)
			h.send(connID, protocol.TypeSessionValid, protocol.SessionValidMsg{
				User:         userPayload(ident),
				SessionToken: ident.SessionToken,
				DeviceCode:   ident.DeviceCode,
			})
			h.sendHistoryLocked(connID)
			h.attachLocked(c, ident)
		} else {
			h.send(connID, protocol.TypeInvalidSession, protocol.InvalidSessionMsg{})
		}
	}

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)
}

// OnDisconnect removes a transport connection from the global set and, when
// it was the identity's last live connection, announces the departure. Ban
// teardown suppresses the plain departure by deleting the identity first.
func (h *Hub) OnDisconnect(connID string) {
	h.mu.Lock()

	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	h.broadcast(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: len(h.conns)})

	if c.identityID != "" {
		h.untrackLocked(c.identityID, connID)
	}

	out := h.takeOutbox()
	h.mu.Unlock()
	h.flush(out)
}

// attachLocked attributes a connection to an identity, tracks the session,
// propagates any fingerprint reported before attribution, and announces the
// identity's arrival when this is its first live connection anywhere.
func (h *Hub) attachLocked(c *conn, ident *identity) {
	c.identityID = ident.ID

	set, ok := h.sessions[ident.ID]
	if !ok {
		set = make(map[string]struct{})
		h.sessions[ident.ID] = set
	}
	first := len(set) == 0
	set[c.id] = struct{}{}

	if c.fingerprint != "" {
		h.fingerprints[ident.ID] = c.fingerprint
	}

	if first {
		h.broadcast(protocol.TypeUserJoined, protocol.UserJoinedMsg{
			Nickname:    ident.Nickname,
			OnlineCount: len(h.conns),
		})
		h.publishPresence("joined", ident.Nickname, false)
	}
}

// untrackLocked removes a connection from its identity's session set. When
// the set empties and the identity still exists, the departure is announced;
// a deleted identity (ban, administrative clear) announces nothing here.
func (h *Hub) untrackLocked(identityID, connID string) {
	set, ok := h.sessions[identityID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) > 0 {
		return
	}
	delete(h.sessions, identityID)

	ident, ok := h.identities[identityID]
	if !ok {
		return
	}
	h.broadcast(protocol.TypeUserLeft, protocol.UserLeftMsg{
		Nickname:    ident.Nickname,
		OnlineCount: len(h.conns),
	})
	h.publishPresence("left", ident.Nickname, false)
}

// sendHistoryLocked queues the retained message log for one connection.
func (h *Hub) sendHistoryLocked(connID string) {
	msgs := make([]protocol.MessagePayload, 0, len(h.messages))
	for _, m := range h.messages {
		msgs = append(msgs, messagePayload(m))
	}
	h.send(connID, protocol.TypeMessageHistory, protocol.MessageHistoryMsg{Messages: msgs})
}

// publishPresence forwards a presence transition to the event tap.
func (h *Hub) publishPresence(kind, nickname string, banned bool) {
	if h.tap == nil {
		return
	}
	h.tap.PublishPresence(events.PresenceEvent{
		Kind:        kind,
		Nickname:    nickname,
		OnlineCount: len(h.conns),
		Banned:      banned,
		Ts:          h.now().UnixMilli(),
	})
}

// userPayload converts an identity to its client-facing shape.
func userPayload(ident *identity) protocol.UserPayload {
	return protocol.UserPayload{
		ID:        ident.ID,
		Nickname:  ident.Nickname,
		AvatarHue: ident.AvatarHue,
		IsAdmin:   ident.IsAdmin,
	}
}

// messagePayload converts a retained message to its client-facing shape.
func messagePayload(m *message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:        m.ID,
		AuthorID:  m.AuthorID,
		Nickname:  m.Nickname,
		AvatarHue: m.AvatarHue,
		Text:      m.Body,
		Ts:        m.Timestamp.UnixMilli(),
	}
}

// identitiesGauge refreshes the registered-identity gauge. Called at every
// identity create/delete site.
func (h *Hub) identitiesGauge() {
	metrics.IdentitiesTotal.Set(float64(len(h.identities)))
}
