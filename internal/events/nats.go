// Package events provides a NATS client wrapper for the relay's outbound
// event tap. The relay publishes presence, pipeline and ban events for
// external consumers such as the status dashboard; delivery to chat clients
// never depends on NATS, so the tap is optional end to end.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects published by the relay.
const (
	SubjectPresence = "parley.events.presence"
	SubjectMessage  = "parley.events.message"
	SubjectBan      = "parley.events.ban"
	SubjectSystem   = "parley.events.system"

	// SubjectAll matches every relay event; consumers subscribe here.
	SubjectAll = "parley.events.>"
)

// PresenceEvent reports an identity's network-wide presence transition.
type PresenceEvent struct {
	Kind        string `json:"kind"` // "joined" | "left"
	Nickname    string `json:"nickname"`
	OnlineCount int    `json:"online_count"`
	Banned      bool   `json:"banned,omitempty"`
	Ts          int64  `json:"ts"`
}

// MessageEvent reports one pipeline decision. Message bodies stay off the
// tap; consumers see outcomes, not content.
type MessageEvent struct {
	Outcome  string `json:"outcome"` // "accepted" | "rejected"
	Gate     string `json:"gate,omitempty"`
	Nickname string `json:"nickname"`
	Ts       int64  `json:"ts"`
}

// BanEvent reports a completed admin ban cascade.
type BanEvent struct {
	TargetID        string `json:"target_id"`
	TargetNickname  string `json:"target_nickname"`
	MessagesRemoved int    `json:"messages_removed"`
	Ts              int64  `json:"ts"`
}

// SystemEvent reports relay lifecycle activity: startup, snapshot saves,
// retention sweeps.
type SystemEvent struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Ts     int64  `json:"ts"`
}

// Client wraps the NATS connection with helper methods for the event tap.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// publishJSON marshals v and publishes it to subject. Marshal or publish
// failures are logged and swallowed: the tap is best-effort.
func (c *Client) publishJSON(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// PublishPresence publishes a presence transition to the tap.
func (c *Client) PublishPresence(ev PresenceEvent) {
	c.publishJSON(SubjectPresence, ev)
}

// PublishMessage publishes a pipeline decision to the tap.
func (c *Client) PublishMessage(ev MessageEvent) {
	c.publishJSON(SubjectMessage, ev)
}

// PublishBan publishes a completed ban cascade to the tap.
func (c *Client) PublishBan(ev BanEvent) {
	c.publishJSON(SubjectBan, ev)
}

// PublishSystem publishes a lifecycle event to the tap.
func (c *Client) PublishSystem(ev SystemEvent) {
	c.publishJSON(SubjectSystem, ev)
}

// SubscribeAll registers a handler for every relay event and stores the
// subscription internally for later cleanup.
func (c *Client) SubscribeAll(handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectAll, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectAll, err)
	}

	c.mu.Lock()
	c.subs[SubjectAll] = sub
	c.mu.Unlock()

	return nil
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
