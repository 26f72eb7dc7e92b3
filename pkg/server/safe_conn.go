package server

import (
	"net"
	"sync"

	"github.com/duelchat/duelchat/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire framing.
//
// Under load, multiple goroutines (the request handler and broadcast senders)
// may try to write to the same connection simultaneously. Without
// synchronization their frame bytes interleave on the wire.
//
// SafeConn encapsulates both the connection and its write mutex, making it
// impossible to write without proper synchronization.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WritePayload frames and sends one payload with automatic write
// synchronization. This is the ONLY way to write to the connection - the raw
// conn is private.
func (sc *SafeConn) WritePayload(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.EncodeFrame(sc.conn, payload)
}

// ReadPayload reads one framed payload from the connection. Reads don't need
// write synchronization.
func (sc *SafeConn) ReadPayload() ([]byte, error) {
	return protocol.DecodeFrame(sc.conn)
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
