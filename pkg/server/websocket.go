package server

import (
	"bytes"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duelchat/duelchat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The protocol authenticates per-session; browser origin is not trusted
		return true
	},
}

// HandleWebSocket upgrades an HTTP request and bridges the WebSocket to the
// regular connection handler through an in-process pipe. Each inbound binary
// message carries one or more complete frames; each outbound frame is sent as
// one binary message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	debugLog.Printf("WebSocket connection from %s", r.RemoteAddr)

	serverSide, bridgeSide := net.Pipe()
	go s.handleConnection(serverSide)

	// WebSocket → pipe
	go func() {
		defer bridgeSide.Close()
		for {
			msgType, data, err := wsConn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			if _, err := bridgeSide.Write(data); err != nil {
				return
			}
		}
	}()

	// pipe → WebSocket, reframing so each frame lands in its own message
	defer wsConn.Close()
	for {
		payload, err := protocol.DecodeFrame(bridgeSide)
		if err != nil {
			// Flush a close frame so browsers see a clean shutdown
			wsConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}

		var framed bytes.Buffer
		if err := protocol.EncodeFrame(&framed, payload); err != nil {
			errorLog.Printf("WebSocket bridge failed to frame payload: %v", err)
			return
		}
		if err := wsConn.WriteMessage(websocket.BinaryMessage, framed.Bytes()); err != nil {
			return
		}
	}
}
