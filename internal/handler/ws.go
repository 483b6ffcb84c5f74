package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"orderengine/internal/mw"
	"orderengine/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket to notify.Conn. Only the hub writer goroutine
// calls Send; pings go through WriteControl, which may run concurrently.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(payload []byte) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return w.c.Close()
}

// SubscribeHandler streams status events of one order over a websocket.
func SubscribeHandler(hub *notify.Hub, requireToken bool, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		orderID := r.URL.Query().Get("orderId")
		if orderID == "" {
			closeWith(conn, websocket.ClosePolicyViolation, "Order ID required")
			return
		}
		if requireToken {
			granted, _ := r.Context().Value(mw.OrderCtxKey).(string)
			if granted != orderID {
				closeWith(conn, websocket.ClosePolicyViolation, "Invalid subscription token")
				return
			}
		}

		log := log.With(zap.String("order_id", orderID))
		unregister, err := hub.Register(r.Context(), orderID, &wsConn{c: conn})
		if err != nil {
			log.Error("subscribe failed", zap.Error(err))
			closeWith(conn, websocket.CloseInternalServerErr, "Subscription unavailable")
			return
		}
		defer unregister()
		log.Info("client connected")

		done := make(chan struct{})
		defer close(done)
		go ping(conn, done)

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		log.Info("client disconnected")
	}
}

func ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
