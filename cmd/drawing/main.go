// Command drawing runs one process of the shared canvas. It tries to bind the
// given address: success makes it the authoritative server, failure makes it a
// client connecting to whoever got there first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vorwerick/tcp-drawing/pkg/client"
	"github.com/vorwerick/tcp-drawing/pkg/config"
	"github.com/vorwerick/tcp-drawing/pkg/dlog"
	"github.com/vorwerick/tcp-drawing/pkg/entity"
	"github.com/vorwerick/tcp-drawing/pkg/server"
	"github.com/vorwerick/tcp-drawing/pkg/transport"
	quictransport "github.com/vorwerick/tcp-drawing/pkg/transport/quic"
	tcptransport "github.com/vorwerick/tcp-drawing/pkg/transport/tcp"
	wstransport "github.com/vorwerick/tcp-drawing/pkg/transport/websocket"
)

const (
	colorServer = 0xFF0000
	colorClient = 0x00FF00

	spawnInterval   = 300 * time.Millisecond
	displayInterval = 5 * time.Second
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg := config.Load()

	addrVar := flag.String("addr", cfg.Addr, "address to bind or connect to")
	transportVar := flag.String("transport", cfg.Transport, "transport: tcp, websocket or quic")
	spawnVar := flag.Bool("spawn", false, "spawn random entities, standing in for mouse input")
	flag.Parse()

	log := dlog.NewSlogAdapter(slog.Default())

	t, err := newTransport(*transportVar, *addrVar)
	if err != nil {
		return err
	}

	store := entity.NewStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	if err := t.Listen(); err == nil {
		return runServer(ctx, log, t, store, *addrVar, *spawnVar, exit)
	}

	return runClient(ctx, log, t, store, *addrVar, *spawnVar, exit)
}

func newTransport(name, addr string) (transport.Transport, error) {
	switch name {
	case "tcp":
		return tcptransport.NewTransport(addr), nil
	case "websocket":
		return wstransport.NewTransport(addr), nil
	case "quic":
		return quictransport.NewTransport(addr, nil, nil), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func runServer(ctx context.Context, log dlog.Logger, t transport.Transport, store *entity.Store, addr string, spawn bool, exit chan os.Signal) error {
	log.Info("running as server", "addr", addr)

	ingest := make(chan entity.Entity, 256)

	srv := server.New(server.Config{
		Logger:    log,
		Transport: t,
		Store:     store,
		Ingest:    ingest,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Close()

	if spawn {
		go spawnLoop(ctx, log, store, colorServer, func(e entity.Entity) {
			select {
			case ingest <- e:
			default:
				log.Warn("ingest queue full, dropping entity", "id", e.ID)
			}
		})
	}

	// Stand-in for the display collaborator's client list.
	go func() {
		ticker := time.NewTicker(displayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("status", "entities", store.Len(), "peers", srv.Addrs())
			}
		}
	}()

	<-exit
	log.Info("shutting down")
	return nil
}

func runClient(ctx context.Context, log dlog.Logger, t transport.Transport, store *entity.Store, addr string, spawn bool, exit chan os.Signal) error {
	log.Info("running as client", "addr", addr)

	conn, err := t.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	log.Info("connected to server")

	c := client.New(client.Config{
		Logger: log,
		Conn:   conn,
		Store:  store,
	})
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	if spawn {
		// Client spawns go straight into the store, the outbound loop picks
		// up whatever has not been sent yet.
		go spawnLoop(ctx, log, store, colorClient, nil)
	}

	select {
	case <-exit:
		log.Info("shutting down")
		return nil
	case <-c.Done():
		return nil
	}
}

// spawnLoop creates random entities the way the mouse would. publish, when
// set, additionally hands each entity to the server's ingest queue.
func spawnLoop(ctx context.Context, log dlog.Logger, store *entity.Store, color int32, publish func(entity.Entity)) {
	ticker := time.NewTicker(spawnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x := rand.Float32() * 800
			y := rand.Float32() * 600
			radius := 4 + rand.Float32()*28

			id := store.Spawn(x, y, radius, color)
			if e, ok := store.Get(id); ok && publish != nil {
				publish(e)
			}
			log.Debug("spawned entity", "id", id)
		}
	}
}
