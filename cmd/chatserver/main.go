// Command chatserver runs the Parley chat relay: the WebSocket event surface,
// the REST/ops surface, the retention and snapshot loops, and the optional
// NATS event tap and Postgres ban audit.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/parley/chat-relay/internal/audit"
	"github.com/parley/chat-relay/internal/events"
	"github.com/parley/chat-relay/internal/hub"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/rest"
	"github.com/parley/chat-relay/internal/snapshot"
	"github.com/parley/chat-relay/internal/ws"
)

// snapshotKey is the store key the relay persists its state document under.
const snapshotKey = "parley:snapshot"

func main() {
	wsConfig := ws.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		wsConfig.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.WriteTimeout = d
		}
	}
	if v := os.Getenv("SESSION_COOKIE"); v != "" {
		wsConfig.CookieName = v
	}

	hubConfig := hub.DefaultConfig()
	if v := os.Getenv("RETENTION_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			hubConfig.RetentionHorizon = d
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			hubConfig.SweepInterval = d
		}
	}
	if v := os.Getenv("SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			hubConfig.SnapshotInterval = d
		}
	}
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hubConfig.HistoryLimit = n
		}
	}
	if v := os.Getenv("PERSIST_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hubConfig.PersistEvery = n
		}
	}

	restConfig := rest.DefaultConfig()
	if addr := os.Getenv("OPS_ADDR"); addr != "" {
		restConfig.ListenAddr = addr
	}
	restConfig.AdminKey = os.Getenv("ADMIN_KEY")

	// --- Snapshot store ---
	var store snapshot.Store
	redisAddr := os.Getenv("REDIS_ADDR")
	boltPath := os.Getenv("BOLT_PATH")
	switch {
	case redisAddr != "":
		s, err := snapshot.NewRedisStore(redisAddr)
		if err != nil {
			log.Fatalf("chatserver: redis: %v", err)
		}
		store = s
	case boltPath != "":
		s, err := snapshot.NewBoltStore(boltPath)
		if err != nil {
			log.Fatalf("chatserver: bolt: %v", err)
		}
		store = s
	}

	var writer *snapshot.Writer
	var saver hub.Saver
	if store != nil {
		writer = snapshot.NewWriter(store, snapshotKey)
		saver = writer
	}

	// --- Event tap ---
	var tap *events.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := events.DefaultConfig()
		natsConfig.URL = natsURL
		c, err := events.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("chatserver: nats: %v", err)
		}
		tap = c
	}

	// --- Ban audit ---
	var auditDB *sql.DB
	var auditRec hub.AuditRecorder
	if dsn := os.Getenv("AUDIT_DATABASE_URL"); dsn != "" {
		if err := audit.Migrate(dsn); err != nil {
			log.Fatalf("chatserver: %v", err)
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("chatserver: audit db: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			log.Fatalf("chatserver: audit db ping: %v", err)
		}
		auditDB = db
		auditRec = audit.NewStore(db)
	}

	log.Printf("Parley chat relay starting")
	log.Printf("  listen_addr:       %s", wsConfig.ListenAddr)
	log.Printf("  ops_addr:          %s", restConfig.ListenAddr)
	log.Printf("  worker_pool:       %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections:   %d", wsConfig.MaxConnections)
	log.Printf("  retention_horizon: %s", hubConfig.RetentionHorizon)
	log.Printf("  snapshot_store:    %s", storeKind(redisAddr, boltPath))
	log.Printf("  nats_tap:          %v", tap != nil)
	log.Printf("  ban_audit:         %v", auditRec != nil)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(wsConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	h := hub.New(hubConfig, server, saver, tap, auditRec)

	// Load persisted state before the transport accepts anything.
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		blob, err := store.Get(ctx, snapshotKey)
		cancel()
		switch {
		case err == nil:
			if err := h.Restore(blob); err != nil {
				log.Fatalf("chatserver: %v", err)
			}
		case errors.Is(err, snapshot.ErrNotFound):
			log.Printf("chatserver: no snapshot found, starting empty")
		default:
			log.Fatalf("chatserver: snapshot load: %v", err)
		}
	}

	// -----------------------------------------------------------------------
	// Client message handlers — each delegates to the hub, which owns all
	// chat state and queues its own responses.
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSetFingerprint, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SetFingerprintMsg)
		if !ok {
			return
		}
		h.HandleSetFingerprint(conn.ID, m.Fingerprint)
	})

	dispatcher.Register(protocol.TypeSetNickname, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SetNicknameMsg)
		if !ok {
			return
		}
		h.HandleSetNickname(conn.ID, m.Nickname)
	})

	dispatcher.Register(protocol.TypeRejoin, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.RejoinMsg)
		if !ok {
			return
		}
		h.HandleRejoin(conn.ID, m.SessionToken)
	})

	dispatcher.Register(protocol.TypeGenerateDeviceCode, func(conn *ws.Connection, msg interface{}) {
		if _, ok := msg.(protocol.GenerateDeviceCodeMsg); !ok {
			return
		}
		h.HandleGenerateDeviceCode(conn.ID)
	})

	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		h.HandleChatMessage(conn.ID, m.Text)
	})

	dispatcher.Register(protocol.TypeBanUser, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.BanUserMsg)
		if !ok {
			return
		}
		h.HandleBanUser(conn.ID, m.UserID)
	})

	server.SetOnConnect(func(conn *ws.Connection) {
		h.OnConnect(conn.ID, conn.IP, conn.ResumeToken)
	})
	server.SetOnDisconnect(h.OnDisconnect)

	h.Start()

	opsServer := rest.NewServer(restConfig, h, store)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Fatalf("chatserver: %v", err)
		}
	}()

	if tap != nil {
		tap.PublishSystem(events.SystemEvent{Kind: "startup", Ts: time.Now().UnixMilli()})
	}

	// Graceful shutdown: stop accepting, stop the hub (final snapshot),
	// flush the writer, then release external collaborators.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := opsServer.Shutdown(ctx); err != nil {
			log.Printf("chatserver: ops shutdown: %v", err)
		}
		cancel()

		if err := server.Shutdown(); err != nil {
			log.Printf("chatserver: ws shutdown: %v", err)
		}
		h.Stop()
		if tap != nil {
			tap.PublishSystem(events.SystemEvent{Kind: "shutdown", Ts: time.Now().UnixMilli()})
			tap.Close()
		}
		if writer != nil {
			writer.Close()
		}
		if store != nil {
			if err := store.Close(); err != nil {
				log.Printf("chatserver: store close: %v", err)
			}
		}
		if auditDB != nil {
			if err := auditDB.Close(); err != nil {
				log.Printf("chatserver: audit close: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("chatserver: %v", err)
	}
}

func storeKind(redisAddr, boltPath string) string {
	switch {
	case redisAddr != "":
		return "redis " + redisAddr
	case boltPath != "":
		return "bolt " + boltPath
	default:
		return "memory-only"
	}
}
