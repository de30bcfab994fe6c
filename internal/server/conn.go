package server

import (
	"fmt"
	"net"
	"time"

	"github.com/wumeng-games/netplay-backend/pkg/protocol"
)

const writeTimeout = 5 * time.Second

// conn is one live client socket plus the liveness bookkeeping the sweep
// reads. All fields after construction are guarded by the server's lock,
// which also serializes writes to the socket.
type conn struct {
	id   string
	sock net.Conn

	lastHeartbeat time.Time
}

func newConn(sock net.Conn, now time.Time) *conn {
	return &conn{
		id:            playerID(sock.RemoteAddr(), now),
		sock:          sock,
		lastHeartbeat: now,
	}
}

// playerID derives a process-unique identity from the remote address and
// the accept timestamp. IDs are never reused for a later connection.
func playerID(addr net.Addr, now time.Time) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		host, port = addr.String(), "0"
	}
	return fmt.Sprintf("player_%s_%s_%d", host, port, now.UnixNano())
}

// send writes one frame. Errors are returned to the caller; the receive
// loop owns teardown, so senders only log.
func (c *conn) send(m protocol.Message) error {
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.sock.Write(m.Encode())
	return err
}
