package hub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/parley/chat-relay/internal/protocol"
)

// fakeSender records every transport action the hub takes. Disconnect feeds
// back into OnDisconnect synchronously, exactly as the WebSocket server does
// after the hub has released its lock.
type fakeSender struct {
	hub *Hub

	mu          sync.Mutex
	sent        map[string][][]byte
	broadcasts  [][]byte
	disconnects []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte)}
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[connID] = append(s.sent[connID], data)
	return nil
}

func (s *fakeSender) Broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, data)
}

func (s *fakeSender) Disconnect(connID string) {
	s.mu.Lock()
	s.disconnects = append(s.disconnects, connID)
	s.mu.Unlock()
	if s.hub != nil {
		s.hub.OnDisconnect(connID)
	}
}

func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame is not valid JSON: %v\n%s", err, data)
	}
	return m
}

// sentOfType returns every frame of the given type sent directly to connID.
func (s *fakeSender) sentOfType(t *testing.T, connID, msgType string) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	for _, data := range s.sent[connID] {
		m := decodeFrame(t, data)
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// lastSentOfType returns the most recent frame of the given type sent to
// connID, or nil.
func (s *fakeSender) lastSentOfType(t *testing.T, connID, msgType string) map[string]interface{} {
	t.Helper()
	frames := s.sentOfType(t, connID, msgType)
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

// broadcastsOfType returns every broadcast frame of the given type.
func (s *fakeSender) broadcastsOfType(t *testing.T, msgType string) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	for _, data := range s.broadcasts {
		m := decodeFrame(t, data)
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) disconnected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.disconnects...)
}

// fakeSaver counts snapshot saves and keeps the newest blob.
type fakeSaver struct {
	mu    sync.Mutex
	blobs [][]byte
}

func (s *fakeSaver) Save(blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = append(s.blobs, blob)
}

func (s *fakeSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *fakeSaver) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blobs) == 0 {
		return nil
	}
	return s.blobs[len(s.blobs)-1]
}

func newTestHub(t *testing.T) (*Hub, *fakeSender) {
	t.Helper()
	s := newFakeSender()
	h := New(DefaultConfig(), s, nil, nil, nil)
	s.hub = h
	return h, s
}

// registerUser connects connID and registers nick, returning the new
// identity's id and session token pulled from the acknowledgement.
func registerUser(t *testing.T, h *Hub, s *fakeSender, connID, ip, nick string) (string, string) {
	t.Helper()
	h.OnConnect(connID, ip, "")
	h.HandleSetNickname(connID, nick)

	fr := s.lastSentOfType(t, connID, protocol.TypeNicknameAccepted)
	if fr == nil {
		t.Fatalf("no nickname_accepted frame for conn %s (nick %q)", connID, nick)
	}
	user, ok := fr["user"].(map[string]interface{})
	if !ok {
		t.Fatalf("nickname_accepted frame has no user object: %v", fr)
	}
	return user["id"].(string), fr["session_token"].(string)
}
