// Command statusdash feeds the dashboard cache. It polls an upstream status
// API on a fixed interval, folds in live relay activity from the event tap
// when one is configured, and PUTs the normalised document to the relay's
// cache endpoint.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/parley/chat-relay/internal/events"
)

// maxUpstreamBody caps how much of the upstream response is read. It matches
// the relay's cache blob limit so a normalised document always fits.
const maxUpstreamBody = 1 << 20

// upstreamStatus is the subset of the third-party status API we keep.
type upstreamStatus struct {
	Status struct {
		Indicator   string `json:"indicator"`
		Description string `json:"description"`
	} `json:"status"`
	Components []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"components"`
}

// dashboardStatus is the document cached for the dashboard UI.
type dashboardStatus struct {
	Indicator   string            `json:"indicator"`
	Description string            `json:"description"`
	Components  map[string]string `json:"components,omitempty"`
	Relay       *relayActivity    `json:"relay,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// relayActivity carries rolling counters accumulated from the event tap
// since the dashboard started.
type relayActivity struct {
	Joins    int `json:"joins"`
	Leaves   int `json:"leaves"`
	Accepted int `json:"messages_accepted"`
	Rejected int `json:"messages_rejected"`
	Bans     int `json:"bans"`
}

// tapCounters accumulates event-tap activity across NATS callback goroutines.
type tapCounters struct {
	mu       sync.Mutex
	joins    int
	leaves   int
	accepted int
	rejected int
	bans     int
}

func (c *tapCounters) observe(subject string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch subject {
	case events.SubjectPresence:
		var ev events.PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if ev.Kind == "joined" {
			c.joins++
		} else {
			c.leaves++
		}
	case events.SubjectMessage:
		var ev events.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if ev.Outcome == "accepted" {
			c.accepted++
		} else {
			c.rejected++
		}
	case events.SubjectBan:
		c.bans++
	}
}

func (c *tapCounters) snapshot() *relayActivity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &relayActivity{
		Joins:    c.joins,
		Leaves:   c.leaves,
		Accepted: c.accepted,
		Rejected: c.rejected,
		Bans:     c.bans,
	}
}

func main() {
	log.Println("Starting Parley status dashboard feeder...")

	upstreamURL := os.Getenv("UPSTREAM_URL")
	if upstreamURL == "" {
		log.Fatalf("UPSTREAM_URL is required")
	}

	relayURL := "http://localhost:8081"
	if v := os.Getenv("RELAY_URL"); v != "" {
		relayURL = v
	}

	adminKey := os.Getenv("ADMIN_KEY")
	if adminKey == "" {
		log.Fatalf("ADMIN_KEY is required (cache writes are admin-gated)")
	}

	cacheKey := "status"
	if v := os.Getenv("CACHE_KEY"); v != "" {
		cacheKey = v
	}

	pollInterval := 60 * time.Second
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollInterval = d
		}
	}

	// Optional event tap: fold live relay counters into the cached document.
	var counters *tapCounters
	var tap *events.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := events.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "parley-statusdash"

		c, err := events.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		tap = c

		counters = &tapCounters{}
		if err := tap.SubscribeAll(counters.observe); err != nil {
			log.Fatalf("failed to subscribe to relay events: %v", err)
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}

	log.Printf("Parley status dashboard feeder running")
	log.Printf("  upstream_url:  %s", upstreamURL)
	log.Printf("  relay_url:     %s", relayURL)
	log.Printf("  cache_key:     %s", cacheKey)
	log.Printf("  poll_interval: %s", pollInterval)
	log.Printf("  event_tap:     %v", tap != nil)

	poll := func() {
		if err := pollOnce(client, upstreamURL, relayURL, cacheKey, adminKey, counters); err != nil {
			log.Printf("[statusdash] poll: %v", err)
		}
	}
	poll()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			poll()
		case sig := <-sigCh:
			log.Printf("received signal %v, shutting down...", sig)
			if tap != nil {
				tap.Close()
			}
			return
		}
	}
}

// pollOnce fetches the upstream status, normalises it, and caches the result
// through the relay. Each step's failure aborts the cycle; the previous
// cached document stays in place until a cycle succeeds.
func pollOnce(client *http.Client, upstreamURL, relayURL, cacheKey, adminKey string, counters *tapCounters) error {
	resp, err := client.Get(upstreamURL)
	if err != nil {
		return fmt.Errorf("fetch upstream: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read upstream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	var upstream upstreamStatus
	if err := json.Unmarshal(body, &upstream); err != nil {
		return fmt.Errorf("decode upstream: %w", err)
	}

	doc := dashboardStatus{
		Indicator:   upstream.Status.Indicator,
		Description: upstream.Status.Description,
		FetchedAt:   time.Now().UTC(),
	}
	if len(upstream.Components) > 0 {
		doc.Components = make(map[string]string, len(upstream.Components))
		for _, comp := range upstream.Components {
			doc.Components[comp.Name] = comp.Status
		}
	}
	if counters != nil {
		doc.Relay = counters.snapshot()
	}

	blob, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	req, err := http.NewRequest(http.MethodPut, relayURL+"/api/cache/"+cacheKey, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("build cache request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", adminKey)

	putResp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	io.Copy(io.Discard, putResp.Body)
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("cache put returned %d", putResp.StatusCode)
	}

	log.Printf("[statusdash] cached %s (%d bytes, indicator=%q)", cacheKey, len(blob), doc.Indicator)
	return nil
}
