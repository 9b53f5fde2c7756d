// Package tcp implements transport.Transport over plain TCP. This is the
// primary transport and the wire the protocol was designed for.
package tcp

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vorwerick/tcp-drawing/pkg/transport"
)

var ErrTransportNotInitialized = errors.New("tcp transport has not been initialized")

const acceptPollInterval = time.Second

type emptyAddr struct{}

func (emptyAddr) Network() string { return "none" }
func (emptyAddr) String() string  { return "uninitialized" }

type Transport struct {
	address  string
	listener *net.TCPListener
}

func NewTransport(addr string) *Transport {
	return &Transport{address: addr}
}

func (t *Transport) Listen() error {
	addr, err := net.ResolveTCPAddr("tcp", t.address)
	if err != nil {
		return err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = l
	return nil
}

// Accept blocks until a connection arrives or ctx is canceled. The listener
// deadline is bumped periodically so cancellation is observed without closing
// the listener.
func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	if t.listener == nil {
		return nil, ErrTransportNotInitialized
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := t.listener.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			return nil, err
		}

		conn, err := t.listener.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}
		return conn, nil
	}
}

func (t *Transport) Dial(ctx context.Context) (transport.Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *Transport) Close() error {
	if t.listener == nil {
		return ErrTransportNotInitialized
	}
	return t.listener.Close()
}

func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return emptyAddr{}
	}
	return t.listener.Addr()
}
