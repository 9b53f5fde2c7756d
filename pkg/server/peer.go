package server

import (
	"sync"

	"github.com/vorwerick/tcp-drawing/pkg/dlog"
	"github.com/vorwerick/tcp-drawing/pkg/protocol"
	"github.com/vorwerick/tcp-drawing/pkg/transport"
)

const sendQueueSize = 256

// peer is one accepted connection: its transport handle, its own decode state
// and a buffered send queue drained by the write pump. Keyed by id in the
// server's peer table, so removal is a single delete.
type peer struct {
	id   string
	addr string
	conn transport.Peer

	decoder *protocol.Decoder

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id string, conn transport.Peer, log dlog.Logger) *peer {
	return &peer{
		id:      id,
		addr:    conn.RemoteAddr().String(),
		conn:    conn,
		decoder: protocol.NewDecoder(log),
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// enqueue hands a framed message to the write pump without blocking. A full
// queue drops the frame for this peer only.
func (p *peer) enqueue(framed []byte, log dlog.Logger) {
	select {
	case <-p.done:
	case p.send <- framed:
	default:
		log.Warn("send queue full, dropping frame", "peer", p.id)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
