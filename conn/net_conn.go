/*
Package conn implements the connection between a pair of nodes.
The connection will only be used in an unidirectional manner.
For example, if a node (node1) connects to another node (node2, with a port open for listening),
the connection will only be used to send packets from node1 to node2.
Every packet is signed by the sender's node key so the receiver learns the
sender's address without a handshake.
*/
package conn

import (
	"bufio"
	"net"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn represents a connection established from one node to another.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target is the address the connection was dialed to.
func (n *NetConn) Target() string {
	return n.target
}

func (n *NetConn) setDeadline(timeout time.Duration) {
	if timeout > 0 {
		_ = n.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
