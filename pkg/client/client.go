// Package client runs the connecting side: one initial full-state pull, then
// incremental updates in both directions against the local entity store.
package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vorwerick/tcp-drawing/pkg/dlog"
	"github.com/vorwerick/tcp-drawing/pkg/entity"
	"github.com/vorwerick/tcp-drawing/pkg/protocol"
	"github.com/vorwerick/tcp-drawing/pkg/transport"
)

const (
	outboundInterval  = 10 * time.Millisecond
	acceptedQueueSize = 256
)

var ErrAlreadyStarted = errors.New("client has already started")

type Client struct {
	log dlog.Logger

	conn  transport.Peer
	store *entity.Store

	// accepted republishes every entity that was handed to the network, so
	// local bookkeeping stays in sync with what actually left the process.
	accepted chan entity.Entity

	writeMu sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	closeOnce sync.Once
}

type Config struct {
	Logger dlog.Logger
	// Conn is an established connection to the server. Dialing is the
	// caller's job; a failed dial means no client session, there is no retry.
	Conn  transport.Peer
	Store *entity.Store
}

func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = dlog.Nop{}
	}

	return &Client{
		log:      log,
		conn:     cfg.Conn,
		store:    cfg.Store,
		accepted: make(chan entity.Entity, acceptedQueueSize),
		done:     make(chan struct{}),
	}
}

// Start requests the initial snapshot and launches the inbound and outbound
// loops. The session ends when the server disconnects or Close is called;
// Done reports that.
func (c *Client) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// One request, exactly once. The reply replaces the whole store.
	if err := c.write(protocol.NewSnapshotRequest()); err != nil {
		c.log.Error("failed to request initial entities", "error", err)
	}

	c.wg.Add(3)
	go c.inboundLoop(ctx)
	go c.outboundLoop(ctx)
	go c.acceptedLoop(ctx)

	return nil
}

// Done is closed once the session is over.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) inboundLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.closeOnce.Do(func() { close(c.done) })
	defer c.cancel()

	decoder := protocol.NewDecoder(c.log)
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.log.Info("server disconnected")
			} else if ctx.Err() == nil {
				c.log.Error("failed to read from server", "error", err)
			}
			return
		}

		decoder.Feed(buf[:n])
		for {
			msg, err := decoder.Next()
			if err != nil {
				c.log.Warn("dropping undecodable frame", "error", err)
				continue
			}
			if msg == nil {
				break
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Client) handleMessage(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindEntity:
		c.store.Insert(*msg.Entity)

	case protocol.KindSnapshot:
		// Destructive replace, not a merge.
		c.store.ReplaceAll(msg.Entities)

	case protocol.KindSnapshotRequest:
		// The server asking a client is unusual but legal.
		if err := c.write(protocol.NewSnapshotMessage(c.store.Snapshot())); err != nil {
			c.log.Error("failed to send snapshot", "error", err)
		}
	}
}

// outboundLoop periodically sends every store entity this process has not
// sent yet, marks it sent and republishes it on the accepted channel. Ids
// whose entity left the store are pruned from the sent set, so a snapshot
// shrinking the store neither leaks dedup entries nor causes resends.
func (c *Client) outboundLoop(ctx context.Context) {
	defer c.wg.Done()

	sent := make(map[uint64]struct{})

	ticker := time.NewTicker(outboundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		failed := false
		c.store.Range(func(e entity.Entity) bool {
			if _, ok := sent[e.ID]; ok {
				return true
			}

			if err := c.write(protocol.NewEntityMessage(e)); err != nil {
				c.log.Error("failed to send entity", "id", e.ID, "error", err)
				failed = true
				return false
			}
			sent[e.ID] = struct{}{}

			select {
			case c.accepted <- e:
			default:
				c.log.Warn("accepted queue full, dropping entity", "id", e.ID)
			}
			return true
		})
		if failed {
			return
		}

		for id := range sent {
			if !c.store.Contains(id) {
				delete(sent, id)
			}
		}
	}
}

func (c *Client) acceptedLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.accepted:
			c.store.Insert(e)
		}
	}
}

func (c *Client) write(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Write(c.conn, msg)
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
