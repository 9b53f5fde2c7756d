// Package transport serves as a network abstraction at (not necessarily) transport level.
package transport

import (
	"context"
	"io"
	"net"
)

// Peer is one established connection to the remote side. Read returning
// io.EOF is the clean-disconnect signal.
type Peer interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Transport produces peers for one network address, either by listening
// (server role) or dialing (client role). Listen failing because the address
// is taken is how a process discovers it should dial instead.
type Transport interface {
	Listen() error
	Accept(ctx context.Context) (Peer, error)
	Dial(ctx context.Context) (Peer, error)
	Close() error
	Addr() net.Addr
}
