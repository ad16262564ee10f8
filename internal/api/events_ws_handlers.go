package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-license/internal/events"
	"github.com/technosupport/ts-license/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator UI runs cross-origin in dev
	},
}

type SubscriberGauge interface {
	SetEventSubscribers(n int)
}

// EventsWsHandler streams license lifecycle events to operator dashboards.
type EventsWsHandler struct {
	Tokens  *tokens.Manager
	Hub     *events.Hub
	Metrics SubscriberGauge

	subscribers chan int
}

func NewEventsWsHandler(tm *tokens.Manager, hub *events.Hub, m SubscriberGauge) *EventsWsHandler {
	h := &EventsWsHandler{Tokens: tm, Hub: hub, Metrics: m, subscribers: make(chan int, 16)}
	go h.countLoop()
	return h
}

func (h *EventsWsHandler) countLoop() {
	n := 0
	for delta := range h.subscribers {
		n += delta
		if h.Metrics != nil {
			h.Metrics.SetEventSubscribers(n)
		}
	}
}

// ServeWS upgrades the connection after validating the token passed as a
// query param (headers are awkward over browser websockets).
func (h *EventsWsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.Tokens.ValidateToken(tokenStr)
	if err != nil || (claims.TokenType != tokens.Access && claims.TokenType != tokens.Tail) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS Upgrade Failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("WS Connected: Operator=%s", claims.OperatorID)
	h.subscribers <- 1
	defer func() { h.subscribers <- -1 }()

	ch, cancel := h.Hub.Subscribe()
	defer cancel()

	// Reader only drains control frames; clients do not send data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for payload := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("WS Write Error: %v", err)
			return
		}
	}
}
