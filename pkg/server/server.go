// Package server runs the authoritative side: it accepts peers, ingests
// locally created entities and relays updates between everyone connected.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vorwerick/tcp-drawing/pkg/dlog"
	"github.com/vorwerick/tcp-drawing/pkg/entity"
	"github.com/vorwerick/tcp-drawing/pkg/protocol"
	"github.com/vorwerick/tcp-drawing/pkg/transport"
)

type Server struct {
	log dlog.Logger

	transport transport.Transport
	store     *entity.Store
	ingest    <-chan entity.Entity

	peers   map[string]*peer
	peersMu sync.RWMutex

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	closeOnce sync.Once
}

type Config struct {
	Logger dlog.Logger
	// Transport must already be listening.
	Transport transport.Transport
	Store     *entity.Store
	// Ingest delivers locally created entities. Each one is inserted into the
	// store and broadcast to every connected peer.
	Ingest <-chan entity.Entity
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = dlog.Nop{}
	}

	return &Server{
		log:       log,
		transport: cfg.Transport,
		store:     cfg.Store,
		ingest:    cfg.Ingest,
		peers:     make(map[string]*peer),
	}
}

// Start launches the accept and ingest loops and returns. Stop with Close.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.ingestLoop(ctx)

	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("failed to accept connection", "error", err)
			continue
		}
		s.register(ctx, conn)
	}
}

func (s *Server) register(ctx context.Context, conn transport.Peer) {
	p := newPeer(uuid.NewString(), conn, s.log)
	s.log.Info("peer connected", "peer", p.id, "addr", p.addr)

	s.peersMu.Lock()
	s.peers[p.id] = p
	s.peersMu.Unlock()

	// A new peer gets the current state right away, unless there is none: an
	// empty snapshot tells it nothing it doesn't already know.
	if s.store.Len() > 0 {
		s.sendTo(p, protocol.NewSnapshotMessage(s.store.Snapshot()))
	}

	s.wg.Add(2)
	go s.readLoop(ctx, p)
	go s.writePump(ctx, p)
}

func (s *Server) ingestLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.ingest:
			if !ok {
				return
			}
			s.store.Insert(e)
			s.broadcast(protocol.NewEntityMessage(e), "")
		}
	}
}

func (s *Server) readLoop(ctx context.Context, p *peer) {
	defer s.wg.Done()
	defer s.removePeer(p)

	buf := make([]byte, 4096)

	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("peer disconnected", "peer", p.id, "addr", p.addr)
			} else if ctx.Err() == nil {
				s.log.Error("failed to read from peer", "peer", p.id, "error", err)
			}
			return
		}

		p.decoder.Feed(buf[:n])
		for {
			msg, err := p.decoder.Next()
			if err != nil {
				s.log.Warn("dropping undecodable frame", "peer", p.id, "error", err)
				continue
			}
			if msg == nil {
				break
			}
			s.handleMessage(p, msg)
		}
	}
}

func (s *Server) handleMessage(p *peer, msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindEntity:
		s.store.Insert(*msg.Entity)
		// Relay to everyone but the originator.
		s.broadcast(*msg, p.id)

	case protocol.KindSnapshotRequest:
		s.sendTo(p, protocol.NewSnapshotMessage(s.store.Snapshot()))

	case protocol.KindSnapshot:
		// The server is authoritative, snapshots only flow outward.
		s.log.Debug("ignoring snapshot from peer", "peer", p.id)
	}
}

func (s *Server) writePump(ctx context.Context, p *peer) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case frame := <-p.send:
			if _, err := p.conn.Write(frame); err != nil {
				if ctx.Err() == nil {
					s.log.Error("failed to write to peer", "peer", p.id, "error", err)
				}
				s.removePeer(p)
				return
			}
		}
	}
}

// broadcast frames msg once and queues it to every peer except the one with
// id exceptID. Best effort: a peer with a full queue misses the frame, a peer
// whose write fails is removed by its own write pump.
func (s *Server) broadcast(msg protocol.Message, exceptID string) {
	framed, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("failed to encode broadcast message", "error", err)
		return
	}

	s.peersMu.RLock()
	targets := make([]*peer, 0, len(s.peers))
	for id, p := range s.peers {
		if id == exceptID {
			continue
		}
		targets = append(targets, p)
	}
	s.peersMu.RUnlock()

	for _, p := range targets {
		p.enqueue(framed, s.log)
	}
}

func (s *Server) sendTo(p *peer, msg protocol.Message) {
	framed, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("failed to encode message", "peer", p.id, "error", err)
		return
	}
	p.enqueue(framed, s.log)
}

func (s *Server) removePeer(p *peer) {
	s.peersMu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	s.peersMu.Unlock()

	if ok {
		p.close()
	}
}

// Addrs returns the remote addresses of the connected peers, for display.
func (s *Server) Addrs() []string {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	addrs := make([]string, 0, len(s.peers))
	for _, p := range s.peers {
		addrs = append(addrs, p.addr)
	}
	return addrs
}

// PeerCount reports how many peers are currently connected.
func (s *Server) PeerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

func (s *Server) Close() error {
	var err error

	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.peersMu.Lock()
		peers := make([]*peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		clear(s.peers)
		s.peersMu.Unlock()

		for _, p := range peers {
			p.close()
		}

		err = s.transport.Close()
		s.wg.Wait()
	})

	return err
}
