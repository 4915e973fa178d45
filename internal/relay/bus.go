package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/notepulse/internal/errs"
)

// BusMessage is one frame shared between relay instances.
type BusMessage struct {
	Room   string
	Origin string
	Frame  []byte
}

// Bus fans frames out to every relay instance serving a room.
// Subscribe's channel is closed once ctx is done.
type Bus interface {
	Publish(ctx context.Context, m BusMessage) error
	Subscribe(ctx context.Context, room string) (<-chan BusMessage, error)
}

// channelPrefix namespaces room channels on a shared redis.
const channelPrefix = "notepulse:room:"

// RedisBus is a Bus over redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the redis instance at url
// (redis://[:password@]host:port/db) and verifies it answers.
func NewRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

// Close closes the redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Publish sends m on its room's channel.
func (b *RedisBus) Publish(ctx context.Context, m BusMessage) error {
	if err := b.client.Publish(ctx, channelPrefix+m.Room, encodeEnvelope(m)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", m.Room, err)
	}
	return nil
}

// Subscribe listens on the room's channel until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, room string) (<-chan BusMessage, error) {
	ps := b.client.Subscribe(ctx, channelPrefix+room)
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}

	out := make(chan BusMessage)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				m, err := decodeEnvelope(room, []byte(msg.Payload))
				if err != nil {
					slog.Warn("dropping malformed bus envelope", "room", room, "error", err)
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Envelope layout: string origin | bytes frame.
func encodeEnvelope(m BusMessage) []byte {
	b := protowire.AppendString(nil, m.Origin)
	return protowire.AppendBytes(b, m.Frame)
}

func decodeEnvelope(room string, data []byte) (BusMessage, error) {
	origin, n := protowire.ConsumeString(data)
	if n < 0 {
		return BusMessage{}, errs.Newf(errs.CodeDecode, "decode envelope", "bad origin: %v", protowire.ParseError(n))
	}
	data = data[n:]
	frame, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return BusMessage{}, errs.Newf(errs.CodeDecode, "decode envelope", "bad frame: %v", protowire.ParseError(n))
	}
	if n != len(data) {
		return BusMessage{}, errs.Newf(errs.CodeDecode, "decode envelope", "%d trailing bytes", len(data)-n)
	}
	return BusMessage{Room: room, Origin: origin, Frame: frame}, nil
}

// MemoryBus is an in-process Bus, for running several relays in one
// process.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[chan BusMessage]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan BusMessage]struct{})}
}

// Publish delivers m to every subscriber of its room.
func (b *MemoryBus) Publish(ctx context.Context, m BusMessage) error {
	b.mu.Lock()
	targets := make([]chan BusMessage, 0, len(b.subs[m.Room]))
	for ch := range b.subs[m.Room] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, room string) (<-chan BusMessage, error) {
	ch := make(chan BusMessage, 64)
	b.mu.Lock()
	if b.subs[room] == nil {
		b.subs[room] = make(map[chan BusMessage]struct{})
	}
	b.subs[room][ch] = struct{}{}
	b.mu.Unlock()

	out := make(chan BusMessage)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs[room], ch)
			b.mu.Unlock()
		}()
		for {
			select {
			case m := <-ch:
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBus) subscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[room])
}
