// Package websocket implements transport.Transport using gorilla/websocket.
// Every frame of the drawing protocol travels as one binary websocket message,
// prefix included, so both sides keep the exact same codec.
package websockets

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vorwerick/tcp-drawing/pkg/transport"
)

var ErrTransportNotInitialized = errors.New("websocket transport has not been initialized")

const endpointPath = "/ws"

type emptyAddr struct{}

func (emptyAddr) Network() string { return "none" }
func (emptyAddr) String() string  { return "uninitialized" }

type Transport struct {
	address  string
	upgrader websocket.Upgrader

	listener    net.Listener
	server      *http.Server
	connections chan *websocket.Conn
}

func NewTransport(addr string) *Transport {
	return &Transport{
		address: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connections: make(chan *websocket.Conn, 16),
	}
}

func (t *Transport) Listen() error {
	l, err := net.Listen("tcp", t.address)
	if err != nil {
		return err
	}
	t.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc(endpointPath, t.handleUpgrade)
	t.server = &http.Server{Handler: mux}

	go t.server.Serve(l)
	return nil
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case t.connections <- conn:
	case <-time.After(time.Second):
		// Nobody accepting, drop the connection instead of blocking the handler.
		conn.Close()
	}
}

func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	if t.listener == nil {
		return nil, ErrTransportNotInitialized
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-t.connections:
		return &Peer{conn: conn}, nil
	}
}

func (t *Transport) Dial(ctx context.Context) (transport.Peer, error) {
	u := url.URL{Scheme: "ws", Host: t.address, Path: endpointPath}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &Peer{conn: conn}, nil
}

func (t *Transport) Close() error {
	if t.server == nil {
		return ErrTransportNotInitialized
	}
	return t.server.Close()
}

func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return emptyAddr{}
	}
	return t.listener.Addr()
}

// Peer adapts a message-oriented websocket connection to the byte-stream Peer
// interface. Leftover bytes of a partially consumed message are kept in
// pending for the next Read.
type Peer struct {
	conn    *websocket.Conn
	pending []byte
}

func (p *Peer) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		p.pending = data
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *Peer) Write(b []byte) (int, error) {
	if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *Peer) Close() error {
	_ = p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return p.conn.Close()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
