// Package live streams periodic JSON snapshots of the rig's shared trackers
// to websocket clients. External visualizers subscribe to watch lick counts,
// dispensed volume, running speed, and TTL state without touching the
// acquisition process.
package live

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Snapshot produces the current named tracker values. Called on the feed's
// broadcast ticker; must be cheap and non-blocking (tracker reads are).
type Snapshot func() map[string]float64

// Config parameterizes the feed server.
type Config struct {
	Addr     string // e.g. ":8765"
	Interval time.Duration
}

// Feed is the websocket broadcast server.
type Feed struct {
	cfg      Config
	snapshot Snapshot
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	server  *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// frame is the broadcast payload.
type frame struct {
	TimestampMs int64              `json:"timestamp_ms"`
	Trackers    map[string]float64 `json:"trackers"`
}

// New creates an unstarted feed.
func New(cfg Config, snapshot Snapshot) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Feed{
		cfg:      cfg,
		snapshot: snapshot,
		clients:  make(map[*websocket.Conn]chan []byte),
	}
}

// Start binds the listen address and begins broadcasting.
func (f *Feed) Start() error {
	listener, err := net.Listen("tcp", f.cfg.Addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("/live", f.handleClient)
	f.server = &http.Server{Handler: mux}

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		if err := f.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("live feed: serve: %v", err)
		}
	}()
	go f.broadcastLoop(ctx)

	log.Printf("live feed: listening on %s", listener.Addr())
	return nil
}

// Stop disconnects all clients and shuts the server down.
func (f *Feed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.server.Close()

	f.mu.Lock()
	for conn, ch := range f.clients {
		close(ch)
		conn.Close()
		delete(f.clients, conn)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Feed) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live feed: upgrade: %v", err)
		return
	}

	send := make(chan []byte, 8)
	f.mu.Lock()
	f.clients[conn] = send
	f.mu.Unlock()
	log.Printf("live feed: client connected from %s", conn.RemoteAddr())

	go f.writeLoop(conn, send)
}

func (f *Feed) writeLoop(conn *websocket.Conn, send chan []byte) {
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.drop(conn)
			return
		}
	}
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	if ch, ok := f.clients[conn]; ok {
		close(ch)
		delete(f.clients, conn)
	}
	f.mu.Unlock()
	conn.Close()
}

func (f *Feed) broadcastLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		f.mu.Lock()
		empty := len(f.clients) == 0
		f.mu.Unlock()
		if empty {
			continue
		}

		data, err := json.Marshal(frame{
			TimestampMs: time.Now().UnixMilli(),
			Trackers:    f.snapshot(),
		})
		if err != nil {
			log.Printf("live feed: marshal: %v", err)
			continue
		}

		f.mu.Lock()
		for _, ch := range f.clients {
			// Slow consumers skip frames rather than stalling the broadcast.
			select {
			case ch <- data:
			default:
			}
		}
		f.mu.Unlock()
	}
}
