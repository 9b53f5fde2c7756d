// Package quic implements transport.Transport using quic-go. Each peer is one
// QUIC connection with a single bidirectional stream carrying the framed
// protocol.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/vorwerick/tcp-drawing/pkg/transport"
)

var ErrTransportNotInitialized = errors.New("quic transport has not been initialized")

const (
	alpnProtocol        = "tcp-drawing"
	streamAcceptTimeout = 5 * time.Second
)

type emptyAddr struct{}

func (emptyAddr) Network() string { return "none" }
func (emptyAddr) String() string  { return "uninitialized" }

type Transport struct {
	address  string
	tlsCfg   *tls.Config
	quicCfg  *quic.Config
	listener *quic.Listener
}

// NewTransport creates a quic transport. tlsCfg may be nil, in which case a
// self-signed certificate is generated on Listen and the dialer skips
// verification. The trust model is the same as the bare TCP transport: none.
func NewTransport(addr string, tlsCfg *tls.Config, quicCfg *quic.Config) *Transport {
	return &Transport{
		address: addr,
		tlsCfg:  tlsCfg,
		quicCfg: quicCfg,
	}
}

func (t *Transport) Listen() error {
	tlsCfg := t.tlsCfg
	if tlsCfg == nil {
		cfg, err := generateTLSConfig()
		if err != nil {
			return err
		}
		tlsCfg = cfg
	}

	l, err := quic.ListenAddr(t.address, tlsCfg, t.quicCfg)
	if err != nil {
		return err
	}
	t.listener = l
	return nil
}

// Accept waits for a connection, then for its first bidirectional stream. The
// dialing side opens the stream and writes immediately, so the stream accept
// is bounded by a timeout rather than left open forever.
func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	if t.listener == nil {
		return nil, ErrTransportNotInitialized
	}

	conn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}

	return &Peer{conn: conn, stream: stream}, nil
}

func (t *Transport) Dial(ctx context.Context) (transport.Peer, error) {
	tlsCfg := t.tlsCfg
	if tlsCfg == nil {
		tlsCfg = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProtocol},
		}
	}

	conn, err := quic.DialAddr(ctx, t.address, tlsCfg, t.quicCfg)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}

	return &Peer{conn: conn, stream: stream}, nil
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

type Peer struct {
	conn   quic.Connection
	stream quic.Stream
}

func (p *Peer) Read(b []byte) (int, error) {
	return p.stream.Read(b)
}

func (p *Peer) Write(b []byte) (int, error) {
	return p.stream.Write(b)
}

func (p *Peer) Close() error {
	return p.conn.CloseWithError(0, "closed")
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
