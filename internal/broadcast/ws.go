package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// pingInterval keeps intermediary proxies (and the browser's idle-socket
// timeout) from closing a quiet subscription.
const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeSubscription upgrades r to a WebSocket and pumps sub.C to the
// client until the subscription is dropped, the client disconnects, or
// ctx (the request context) is cancelled. It never returns an error the
// caller needs to act on: failures are logged and the connection is
// closed.
func ServeSubscription(w http.ResponseWriter, r *http.Request, sub *Subscription, log logrus.FieldLogger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer sub.Unsubscribe()

	ctx := r.Context()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	writeTimeout := sub.b.WriteTimeout()

	// Drain and discard client-sent frames so the connection's read
	// deadline/close handshake is serviced; these streams are
	// server-to-client only.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				sub.Unsubscribe()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).Debug("websocket write failed, closing subscription")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
