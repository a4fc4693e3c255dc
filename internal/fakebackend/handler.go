package fakebackend

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/markb/possync/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apikey")
	if apiKey == "" {
		apiKey = r.Header.Get("apikey")
	}
	if apiKey != s.cfg.AnonKey {
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("fakebackend: upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws)
	log.Debug("fakebackend: new connection", "conn_id", conn.ID())

	go conn.WritePump()
	go conn.ReadPump()
}
