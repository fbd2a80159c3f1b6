package fieldsync

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outreach-health/fieldsync/pubsub"
)

const (
	writeTimeout = 10 * time.Second
	// sendBuffer is per-connection; a consumer further behind than this is
	// dropped rather than allowed to stall the fan-out.
	sendBuffer = 64
)

// wsEvent is the frame shape on the /sync/events stream.
type wsEvent struct {
	Type string         `json:"type"`
	Data pubsub.Payload `json:"data"`
}

// eventHub fans engine events out to websocket subscribers. It implements
// pubsub.SyncListener, so plugging it into a SyncSub is all the wiring
// needed.
type eventHub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]chan wsEvent
}

func newEventHub() *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan wsEvent),
	}
}

func (h *eventHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	send := make(chan wsEvent, sendBuffer)
	h.mu.Lock()
	h.conns[conn] = send
	h.mu.Unlock()
	logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("event stream subscriber connected")

	go h.writeLoop(conn, send)
	// The read loop only exists to notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

func (h *eventHub) writeLoop(conn *websocket.Conn, send chan wsEvent) {
	for ev := range send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			h.drop(conn)
			return
		}
	}
	conn.Close()
}

func (h *eventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
		close(send)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *eventHub) broadcast(p pubsub.Payload) {
	ev := wsEvent{Type: p.Type(), Data: p}
	h.mu.Lock()
	var slow []*websocket.Conn
	for conn, send := range h.conns {
		select {
		case send <- ev:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range slow {
		logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("dropping slow event stream subscriber")
		h.drop(conn)
	}
}

func (h *eventHub) OnSessionProgress(p *pubsub.SessionProgress)   { h.broadcast(p) }
func (h *eventHub) OnSessionDone(p *pubsub.SessionDone)           { h.broadcast(p) }
func (h *eventHub) OnConflictDetected(p *pubsub.ConflictDetected) { h.broadcast(p) }
func (h *eventHub) OnConflictResolved(p *pubsub.ConflictResolved) { h.broadcast(p) }
func (h *eventHub) OnEmergencyStarted(p *pubsub.EmergencyStarted) { h.broadcast(p) }
