package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// anonymousOwner is what legacy providers send when no owner is configured.
const anonymousOwner = "nobody@nobody.io"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
	cleanupTimeout = 10 * time.Second
)

// DeviceWriter is the slice of the store a provider session needs.
type DeviceWriter interface {
	ApplyProviderUpdate(ctx context.Context, up store.ProviderUpdate) error
	RemoveProviderSources(ctx context.Context, sourceID string) (int64, error)
}

// Handler upgrades /websocket/heartbeat connections into provider sessions.
type Handler struct {
	registry *Registry
	store    DeviceWriter
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, store DeviceWriter, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("provider upgrade failed: %v", err)
		return
	}

	s := &Session{
		conn:       conn,
		remoteAddr: r.RemoteAddr,
		send:       make(chan []byte, sendBufferSize),
		stop:       make(chan struct{}),
		registry:   h.registry,
		store:      h.store,
		logger:     h.logger,
	}
	go s.writeLoop()
	s.readLoop()
}

// handshakeFrame is the first JSON frame a provider sends.
type handshakeFrame struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	URL      string `json:"url"`
	Secret   string `json:"secret"`
	Priority int    `json:"priority"`
}

// updateFrame asserts the state of one device. Provider distinguishes three
// cases: absent (publish with session defaults), explicit null (withdraw the
// device) and an object (publish with per-device endpoint overrides).
type updateFrame struct {
	UDID       string          `json:"udid"`
	Platform   string          `json:"platform"`
	Properties map[string]any  `json:"properties"`
	Provider   json.RawMessage `json:"provider"`
}

type clientFrame struct {
	Command string `json:"command"`
	handshakeFrame
	updateFrame
}

// command is a server-to-provider instruction.
type command struct {
	Command string `json:"command"`
	UDID    string `json:"udid,omitempty"`
}

// Session is one connected provider. All devices it publishes carry its id
// as the source key; when the connection drops, the id is swept from every
// device.
type Session struct {
	id         string
	name       string
	owner      string
	url        string
	secret     string
	priority   int
	remoteAddr string

	conn     *websocket.Conn
	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once

	registry *Registry
	store    DeviceWriter
	logger   *zap.SugaredLogger
}

// ID returns the session id assigned at handshake, or "" before it.
func (s *Session) ID() string { return s.id }

func (s *Session) readLoop() {
	defer s.cleanUp()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnf("provider %s read: %v", s.remoteAddr, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		// Legacy application-level keepalive.
		if string(raw) == "ping" {
			s.queueOut([]byte("pong"))
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// A provider speaking garbage cannot be trusted with its device
			// state; drop the session and let it reconnect cleanly.
			s.logger.Errorf("provider %s sent malformed frame, closing: %v", s.remoteAddr, err)
			return
		}
		s.dispatch(&frame)
	}
}

func (s *Session) dispatch(frame *clientFrame) {
	switch frame.Command {
	case "handshake":
		s.handshake(&frame.handshakeFrame)
	case "update":
		s.update(&frame.updateFrame)
	case "ping":
		s.queueOut([]byte("pong"))
	default:
		s.logger.Warnf("provider %s sent unknown command %q", s.remoteAddr, frame.Command)
	}
}

func (s *Session) handshake(frame *handshakeFrame) {
	if s.id != "" {
		s.logger.Warnf("provider %s repeated handshake", s.remoteAddr)
		return
	}

	s.id = uuid.NewString()
	s.name = frame.Name
	s.url = frame.URL
	s.secret = frame.Secret
	s.priority = frame.Priority
	s.owner = frame.Owner
	if s.owner == anonymousOwner {
		s.owner = ""
	}
	s.registry.add(s)

	s.logger.Infof("provider %q connected from %s as %s", s.name, s.remoteAddr, s.id)

	reply, _ := json.Marshal(map[string]any{"success": true, "id": s.id})
	s.queueOut(reply)
}

func (s *Session) update(frame *updateFrame) {
	if s.id == "" {
		s.logger.Warnf("provider %s sent update before handshake", s.remoteAddr)
		return
	}
	if frame.UDID == "" {
		s.logger.Warnf("provider %s sent update without udid", s.id)
		return
	}

	up := store.ProviderUpdate{
		UDID:       frame.UDID,
		SourceID:   s.id,
		Platform:   frame.Platform,
		Properties: frame.Properties,
		Owner:      s.owner,
	}
	switch {
	case string(frame.Provider) == "null":
		// Explicit null withdraws the device from this provider.
		up.RemoveSource = true
	default:
		src := s.baseSource()
		if frame.Provider != nil {
			if err := json.Unmarshal(frame.Provider, &src); err != nil {
				s.logger.Warnf("provider %s sent malformed source for %s: %v", s.id, frame.UDID, err)
				return
			}
			src.ID = s.id
		}
		up.Source = &src
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := s.store.ApplyProviderUpdate(ctx, up); err != nil {
		s.logger.Errorf("provider %s update %s: %v", s.id, frame.UDID, err)
	}
}

func (s *Session) baseSource() model.Source {
	return model.Source{
		ID:       s.id,
		Name:     s.name,
		URL:      s.url,
		Secret:   s.secret,
		Priority: s.priority,
	}
}

func (s *Session) sendCommand(cmd command) bool {
	data, _ := json.Marshal(cmd)
	return s.queueOut(data)
}

func (s *Session) queueOut(data []byte) bool {
	select {
	case s.send <- data:
		return true
	case <-s.stop:
		return false
	case <-time.After(writeWait):
		s.logger.Warnf("provider %s send buffer stuck", s.id)
		return false
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}

// cleanUp tears the session down and withdraws everything it published.
// Devices drained to zero sources lose their lease and colding flag in the
// same sweep.
func (s *Session) cleanUp() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.conn.Close()

	if s.id == "" {
		return
	}
	s.registry.remove(s.id)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	n, err := s.store.RemoveProviderSources(ctx, s.id)
	if err != nil {
		s.logger.Errorf("provider %s cleanup: %v", s.id, err)
		return
	}
	s.logger.Infof("provider %q disconnected, %d devices withdrawn", s.name, n)
}
