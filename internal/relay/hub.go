package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"shopsys/internal/catalog"
	"shopsys/internal/metrics"
	"shopsys/internal/syncproto"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type HubConfig struct {
	// CatalogDir is the authoritative catalog pushed to nodes.
	CatalogDir string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type hubSession struct {
	id     string
	nodeID string
	out    outbox
}

// Hub is the relay side of the websocket carriers. It fans price updates out
// to every session and serves the catalog on request.
type Hub struct {
	cfg      HubConfig
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*hubSession
	conns    map[string]*websocket.Conn
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*hubSession),
		conns:    make(map[string]*websocket.Conn),
	}
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s := &hubSession{id: uuid.NewString(), nodeID: r.Header.Get(NodeHeader), out: newOutbox()}
	h.add(s, conn)
	defer h.remove(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := writeLoop(ctx, conn, s.out); err != nil {
			h.log.Debug("session writer stopped", "session", s.id, "err", err)
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Info("session closed", "session", s.id, "node_id", s.nodeID, "err", err)
			return
		}
		h.dispatch(s, data)
	}
}

func (h *Hub) add(s *hubSession, conn *websocket.Conn) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.conns[s.id] = conn
	n := len(h.sessions)
	h.mu.Unlock()
	h.cfg.Metrics.SetRelaySessions(n)
	h.log.Info("session connected", "session", s.id, "node_id", s.nodeID, "sessions", n)
}

func (h *Hub) remove(s *hubSession) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	delete(h.conns, s.id)
	n := len(h.sessions)
	h.mu.Unlock()
	h.cfg.Metrics.SetRelaySessions(n)
}

func (h *Hub) dispatch(s *hubSession, frame []byte) {
	m, err := syncproto.Decode(frame)
	if err != nil {
		h.cfg.Metrics.Received("unknown", "malformed")
		h.log.Warn("dropping malformed frame", "session", s.id, "err", err)
		return
	}

	result := "relayed"
	switch m.Kind {
	case syncproto.KindPriceUpdate:
		h.broadcast(frame)
	case syncproto.KindRequestConfig, syncproto.KindSyncRequest:
		if err := h.sendConfig(s); err != nil {
			result = "error"
			h.log.Error("config reply failed", "session", s.id, "node_id", s.nodeID, "err", err)
		}
	case syncproto.KindRequestGlobalReload:
		n, err := h.PushConfig()
		if err != nil {
			result = "error"
			h.log.Error("global reload failed", "session", s.id, "err", err)
		} else {
			h.log.Info("global reload pushed", "requested_by", s.nodeID, "sessions", n)
		}
	default:
		result = "ignored"
	}
	h.cfg.Metrics.Received(string(m.Kind), result)
}

func (h *Hub) broadcast(frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.sessions {
		if err := s.out.push(frame); err != nil {
			h.log.Warn("session queue full, frame dropped", "session", s.id, "node_id", s.nodeID)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) configFrame() ([]byte, error) {
	files, err := catalog.Snapshot(h.cfg.CatalogDir)
	if err != nil {
		return nil, err
	}
	frame, err := syncproto.Encode(syncproto.SendConfig(files))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return frame, nil
}

func (h *Hub) sendConfig(s *hubSession) error {
	frame, err := h.configFrame()
	if err != nil {
		return err
	}
	return s.out.push(frame)
}

// PushConfig sends the catalog to every session and returns how many took it.
func (h *Hub) PushConfig() (int, error) {
	frame, err := h.configFrame()
	if err != nil {
		return 0, err
	}
	return h.broadcast(frame), nil
}

// RequestSync asks every node to request the catalog.
func (h *Hub) RequestSync() int {
	frame, err := syncproto.Encode(syncproto.Message{Kind: syncproto.KindSyncRequest})
	if err != nil {
		return 0
	}
	return h.broadcast(frame)
}

// Close drops every session. Hijacked connections are not closed by
// http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.Close()
	}
}
