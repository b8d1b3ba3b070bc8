package notification

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BroadcastGroup receives system-wide announcements.
const BroadcastGroup = "broadcast_notifications"

// UserGroup names the real-time group a user's sockets join.
func UserGroup(userID uuid.UUID) string {
	return "user_" + userID.String() + "_notifications"
}

// Envelope is one message delivered to a group.
type Envelope struct {
	Group   string
	Payload []byte
}

// Subscription streams the envelopes of the groups it joined.
type Subscription interface {
	Messages() <-chan Envelope
	Close() error
}

// ChannelLayer fans real-time payloads out to every process holding a
// socket for the group.
type ChannelLayer interface {
	Send(ctx context.Context, group string, payload []byte) error
	Subscribe(ctx context.Context, groups ...string) (Subscription, error)
}

// RedisChannelLayer relays groups over Redis pub/sub.
type RedisChannelLayer struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedisChannelLayer(client redis.UniversalClient, logger *zap.Logger) *RedisChannelLayer {
	return &RedisChannelLayer{client: client, logger: logger.Named("channel_layer")}
}

func (l *RedisChannelLayer) Send(ctx context.Context, group string, payload []byte) error {
	return l.client.Publish(ctx, group, payload).Err()
}

func (l *RedisChannelLayer) Subscribe(ctx context.Context, groups ...string) (Subscription, error) {
	ps := l.client.Subscribe(ctx, groups...)
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSubscription{ps: ps, out: make(chan Envelope, 64), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		select {
		case s.out <- Envelope{Group: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Envelope { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

// MemoryChannelLayer delivers within one process. Slow subscribers drop
// messages rather than block senders.
type MemoryChannelLayer struct {
	mu     sync.RWMutex
	groups map[string]map[*memorySubscription]struct{}
}

func NewMemoryChannelLayer() *MemoryChannelLayer {
	return &MemoryChannelLayer{groups: map[string]map[*memorySubscription]struct{}{}}
}

func (l *MemoryChannelLayer) Send(_ context.Context, group string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for s := range l.groups[group] {
		s.deliver(Envelope{Group: group, Payload: payload})
	}
	return nil
}

func (l *MemoryChannelLayer) Subscribe(_ context.Context, groups ...string) (Subscription, error) {
	s := &memorySubscription{layer: l, groups: groups, out: make(chan Envelope, 64)}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range groups {
		if l.groups[g] == nil {
			l.groups[g] = map[*memorySubscription]struct{}{}
		}
		l.groups[g][s] = struct{}{}
	}
	return s, nil
}

type memorySubscription struct {
	layer  *MemoryChannelLayer
	groups []string
	out    chan Envelope
	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(e Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- e:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan Envelope { return s.out }

func (s *memorySubscription) Close() error {
	s.layer.mu.Lock()
	for _, g := range s.groups {
		delete(s.layer.groups[g], s)
		if len(s.layer.groups[g]) == 0 {
			delete(s.layer.groups, g)
		}
	}
	s.layer.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
