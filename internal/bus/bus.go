// Package bus bridges the rig core to an external pub/sub peer, typically
// the VR runtime that renders the task environment. Derived behavioral
// events (lick onsets, encoder motion, reward deliveries) are published on
// topic-prefixed messages; command topics registered by module interfaces
// are delivered back from the peer.
package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// Topics published by the core's module interfaces.
const (
	TopicLick          = "lick/onset"
	TopicSpeed         = "speed/current"
	TopicReward        = "reward/delivered"
	TopicRewardTrigger = "reward/trigger"
)

// Handler processes one inbound command message.
type Handler func(topic string, payload []byte)

// Publisher is the narrow handle given to module interfaces.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Nop is a Publisher that discards everything; used when a rig runs without
// an external peer.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, []byte) error { return nil }

// Config holds the two socket endpoints. The bridge listens with its PUB
// socket and dials the peer's PUB endpoint with its SUB socket.
type Config struct {
	PubAddr string // e.g. "tcp://*:5556"
	SubAddr string // e.g. "tcp://localhost:5557"
}

// Bridge owns the two sockets and the subscription fan-out.
type Bridge struct {
	cfg Config

	mu       sync.Mutex
	handlers map[string][]Handler
	pub      zmq4.Socket
	sub      zmq4.Socket
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// New creates an unstarted bridge.
func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg, handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for one command topic. Must be called before
// Start; handlers run on the bridge's receive goroutine and must not block.
func (b *Bridge) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("bus: subscribe after start")
	}
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Start opens both sockets and spawns the receive loop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("bus: already running")
	}

	ctx, cancel := context.WithCancel(ctx)

	pub := zmq4.NewPub(ctx)
	if err := pub.Listen(b.cfg.PubAddr); err != nil {
		cancel()
		return fmt.Errorf("bus: listen %s: %w", b.cfg.PubAddr, err)
	}

	sub := zmq4.NewSub(ctx)
	if err := sub.Dial(b.cfg.SubAddr); err != nil {
		pub.Close()
		cancel()
		return fmt.Errorf("bus: dial %s: %w", b.cfg.SubAddr, err)
	}
	for topic := range b.handlers {
		if err := sub.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			sub.Close()
			pub.Close()
			cancel()
			return fmt.Errorf("bus: subscribe %q: %w", topic, err)
		}
	}

	b.pub = pub
	b.sub = sub
	b.cancel = cancel
	b.running = true

	b.wg.Add(1)
	go b.receiveLoop(ctx)

	log.Printf("bus: publishing on %s, commands from %s", b.cfg.PubAddr, b.cfg.SubAddr)
	return nil
}

// Stop closes both sockets and joins the receive loop.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.sub.Close()
	b.pub.Close()
	b.wg.Wait()
}

// Publish sends one topic-tagged message to the peer. Safe for concurrent
// use; a bridge that was never started silently drops.
func (b *Bridge) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	pub := b.pub
	running := b.running
	b.mu.Unlock()
	if !running {
		return nil
	}
	msg := zmq4.NewMsgFrom([]byte(topic), payload)
	if err := pub.Send(msg); err != nil {
		return fmt.Errorf("bus: publish %q: %w", topic, err)
	}
	return nil
}

// receiveLoop drains the SUB socket and fans messages out to handlers.
func (b *Bridge) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		msg, err := b.sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("bus: receive error: %v", err)
			return
		}
		topic, payload := splitMessage(msg)
		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers[topic]...)
		b.mu.Unlock()
		if len(handlers) == 0 {
			log.Printf("bus: no handler for topic %q", topic)
			continue
		}
		for _, h := range handlers {
			h(topic, payload)
		}
	}
}

// splitMessage extracts topic and payload from either a two-frame message or
// a single frame with a topic prefix.
func splitMessage(msg zmq4.Msg) (string, []byte) {
	if len(msg.Frames) >= 2 {
		return string(msg.Frames[0]), msg.Frames[1]
	}
	if len(msg.Frames) == 1 {
		frame := msg.Frames[0]
		if i := bytes.IndexByte(frame, ' '); i >= 0 {
			return string(frame[:i]), frame[i+1:]
		}
		return string(frame), nil
	}
	return "", nil
}
