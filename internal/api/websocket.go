package api

import (
	"log"
	"net/http"

	"stopdaemon/internal/runtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams the daemon's DaemonEvent bus to an admin client:
// market data ticks, detector signals, fills, and the shutdown event, in
// the same republish-everything style as internal/runtime.MarketDataBridge.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	bus := s.Daemon.Bus()
	if bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"daemon not started"}`))
		return
	}

	stream, unsub := bus.Subscribe()
	defer unsub()

	for ev := range stream {
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
		if ev.Kind == runtime.EventShutdown {
			return
		}
	}
}
