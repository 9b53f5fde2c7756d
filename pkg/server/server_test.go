package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vorwerick/tcp-drawing/pkg/entity"
	"github.com/vorwerick/tcp-drawing/pkg/protocol"
	"github.com/vorwerick/tcp-drawing/pkg/transport/tcp"
)

func startServer(t *testing.T) (*Server, *entity.Store, chan entity.Entity, string) {
	t.Helper()

	tr := tcp.NewTransport("127.0.0.1:0")
	if err := tr.Listen(); err != nil {
		t.Fatal(err)
	}

	store := entity.NewStore()
	ingest := make(chan entity.Entity, 16)

	srv := New(Config{
		Transport: tr,
		Store:     store,
		Ingest:    ingest,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	return srv, store, ingest, tr.Addr().String()
}

type rawClient struct {
	t       *testing.T
	conn    net.Conn
	decoder *protocol.Decoder
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return &rawClient{t: t, conn: conn, decoder: protocol.NewDecoder(nil)}
}

func (c *rawClient) send(msg protocol.Message) {
	c.t.Helper()
	if err := protocol.Write(c.conn, msg); err != nil {
		c.t.Fatal(err)
	}
}

// expect reads until one message arrives or the timeout passes.
func (c *rawClient) expect(timeout time.Duration) *protocol.Message {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)

	for {
		if msg, err := c.decoder.Next(); err != nil {
			c.t.Fatal(err)
		} else if msg != nil {
			return msg
		}

		if err := c.conn.SetReadDeadline(deadline); err != nil {
			c.t.Fatal(err)
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			c.t.Fatalf("no message within %v: %v", timeout, err)
		}
		c.decoder.Feed(buf[:n])
	}
}

// expectNone fails if any message arrives within the window.
func (c *rawClient) expectNone(window time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(window)
	buf := make([]byte, 4096)

	for {
		if msg, err := c.decoder.Next(); err != nil {
			c.t.Fatal(err)
		} else if msg != nil {
			c.t.Fatalf("unexpected message %+v", msg)
		}

		if err := c.conn.SetReadDeadline(deadline); err != nil {
			c.t.Fatal(err)
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return // timed out, nothing arrived
		}
		c.decoder.Feed(buf[:n])
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSnapshotOnConnect(t *testing.T) {
	_, store, _, addr := startServer(t)

	e := entity.Entity{ID: 42, X: 5, Y: 6, Radius: 7, Color: 8}
	store.Insert(e)

	c := dialRaw(t, addr)

	msg := c.expect(2 * time.Second)
	if msg.Kind != protocol.KindSnapshot {
		t.Fatalf("expected snapshot, got %q", msg.Kind)
	}
	if len(msg.Entities) != 1 || msg.Entities[0] != e {
		t.Errorf("snapshot mismatch: %+v", msg.Entities)
	}
}

func TestNoSnapshotWhenEmpty(t *testing.T) {
	srv, _, _, addr := startServer(t)

	c := dialRaw(t, addr)
	waitFor(t, "peer registration", func() bool { return srv.PeerCount() == 1 })

	c.expectNone(200 * time.Millisecond)
}

func TestRelayExcludesSender(t *testing.T) {
	srv, store, _, addr := startServer(t)

	a := dialRaw(t, addr)
	b := dialRaw(t, addr)
	cc := dialRaw(t, addr)
	waitFor(t, "three peers", func() bool { return srv.PeerCount() == 3 })

	e := entity.Entity{ID: 5, X: 1, Y: 2, Radius: 3, Color: 4}
	a.send(protocol.NewEntityMessage(e))

	for _, peer := range []*rawClient{b, cc} {
		msg := peer.expect(2 * time.Second)
		if msg.Kind != protocol.KindEntity || *msg.Entity != e {
			t.Errorf("relayed message mismatch: %+v", msg)
		}
	}

	a.expectNone(200 * time.Millisecond)

	if got, ok := store.Get(5); !ok || got != e {
		t.Errorf("store should hold the relayed entity, got %+v, %v", got, ok)
	}
}

func TestSnapshotRequestAnsweredToRequesterOnly(t *testing.T) {
	srv, store, _, addr := startServer(t)

	a := dialRaw(t, addr)
	b := dialRaw(t, addr)
	waitFor(t, "two peers", func() bool { return srv.PeerCount() == 2 })

	e := entity.Entity{ID: 9, X: 10, Y: 11, Radius: 12}
	store.Insert(e)

	a.send(protocol.NewSnapshotRequest())

	msg := a.expect(2 * time.Second)
	if msg.Kind != protocol.KindSnapshot {
		t.Fatalf("expected snapshot, got %q", msg.Kind)
	}
	if len(msg.Entities) != 1 || msg.Entities[0] != e {
		t.Errorf("snapshot mismatch: %+v", msg.Entities)
	}

	b.expectNone(200 * time.Millisecond)
}

func TestIngestIsStoredAndBroadcast(t *testing.T) {
	srv, store, ingest, addr := startServer(t)

	a := dialRaw(t, addr)
	waitFor(t, "peer registration", func() bool { return srv.PeerCount() == 1 })

	e := entity.Entity{ID: 77, X: 1, Radius: 2}
	ingest <- e

	msg := a.expect(2 * time.Second)
	if msg.Kind != protocol.KindEntity || *msg.Entity != e {
		t.Errorf("broadcast mismatch: %+v", msg)
	}
	if !store.Contains(77) {
		t.Error("ingested entity missing from store")
	}
}

func TestInboundSnapshotIgnored(t *testing.T) {
	srv, store, _, addr := startServer(t)

	a := dialRaw(t, addr)
	b := dialRaw(t, addr)
	waitFor(t, "two peers", func() bool { return srv.PeerCount() == 2 })

	a.send(protocol.NewSnapshotMessage([]entity.Entity{{ID: 99, X: 1}}))

	b.expectNone(200 * time.Millisecond)
	if store.Contains(99) {
		t.Error("server must not apply snapshots received from clients")
	}
}

func TestDisconnectCleanup(t *testing.T) {
	srv, _, ingest, addr := startServer(t)

	a := dialRaw(t, addr)
	b := dialRaw(t, addr)
	waitFor(t, "two peers", func() bool { return srv.PeerCount() == 2 })
	if len(srv.Addrs()) != 2 {
		t.Fatalf("expected 2 addresses, got %v", srv.Addrs())
	}

	a.conn.Close()
	waitFor(t, "peer removal", func() bool { return srv.PeerCount() == 1 })
	if len(srv.Addrs()) != 1 {
		t.Errorf("closed peer still listed: %v", srv.Addrs())
	}

	// The remaining peer keeps receiving.
	e := entity.Entity{ID: 3, X: 1}
	ingest <- e
	msg := b.expect(2 * time.Second)
	if msg.Kind != protocol.KindEntity || msg.Entity.ID != 3 {
		t.Errorf("surviving peer did not receive broadcast: %+v", msg)
	}
}

func TestStartTwiceFails(t *testing.T) {
	srv, _, _, _ := startServer(t)
	if err := srv.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}
