/*
Package conn implements the point-to-point connections between primaries.
A connection is used in one direction only: the dialing node writes
framed messages, the listening node decodes them and hands them to its
message channel. Each frame carries a one-byte message tag, the
msgpack-encoded body and an ED25519 signature trailer.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn is one established outgoing connection, bundled with its
// writer and encoder for reuse.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target returns the "ip:port" address this connection talks to.
func (n *NetConn) Target() string {
	return n.target
}

// Release closes the underlying connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
