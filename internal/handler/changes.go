package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/devlease/fleet/internal/feed"
	"github.com/devlease/fleet/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const changeWriteWait = 10 * time.Second

// Subscriber opens a filtered device change stream for a principal.
type Subscriber interface {
	Subscribe(ctx context.Context, p *model.Principal) (<-chan feed.Event, error)
}

// ChangesHandler streams device changes over /websocket/devicechanges.
type ChangesHandler struct {
	feed     Subscriber
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewChangesHandler(f Subscriber, logger *zap.SugaredLogger) *ChangesHandler {
	return &ChangesHandler{
		feed:   f,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *ChangesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		Fail(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("changes upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.feed.Subscribe(ctx, p)
	if err != nil {
		h.logger.Errorf("changes subscribe for %s: %v", p.Email, err)
		return
	}

	// The subscriber never sends application frames; the read loop only
	// notices the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(changeWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
