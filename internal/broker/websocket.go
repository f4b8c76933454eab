package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a WebSocket connection, registers it,
// sends the welcome frame, and runs paired read/write pumps until either
// side closes.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request, identity Identity) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := r.Register(uuid.NewString(), identity, 32)
	conn.Send(connectionFrame(conn.ID))
	if identity.SiteID != "" {
		conn.Subscribe("notifications:" + identity.SiteID)
	}

	done := make(chan struct{})
	go r.wsWritePump(ws, conn, done)
	r.wsReadPump(ws, conn, identity, done)

	r.Unregister(conn.ID)
}

func (r *Registry) wsWritePump(ws *websocket.Conn, conn *Connection, done chan struct{}) {
	ticker := time.NewTicker(r.HeartbeatInterval())
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-done:
			return
		case <-conn.done:
			return
		case frame, ok := <-conn.send:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			conn.Touch()
		case <-ticker.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Registry) wsReadPump(ws *websocket.Conn, conn *Connection, identity Identity, done chan struct{}) {
	defer close(done)

	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	for {
		_, body, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.Touch()

		var msg clientFrame
		if err := json.Unmarshal(body, &msg); err != nil {
			conn.Send(errorFrame("malformed frame"))
			continue
		}

		switch msg.Type {
		case frameSubscribe:
			if !Authorize(msg.Channel, identity) {
				conn.Send(errorFrame("Access denied to channel"))
				continue
			}
			conn.Subscribe(msg.Channel)
			conn.Send(subscribedFrame(msg.Channel))
		case frameUnsubscribe:
			conn.Unsubscribe(msg.Channel)
			conn.Send(unsubscribedFrame(msg.Channel))
		case framePing:
			conn.Send(pongFrame())
		default:
			conn.Send(errorFrame("unknown message type"))
		}
	}
}
