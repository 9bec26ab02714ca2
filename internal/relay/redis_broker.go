package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// joinRoomLua adds ARGV[1] to the room set unless it already holds ARGV[2]
// members. It returns the new member count, or minus the current count when
// the room is full. The set expiry is refreshed to ARGV[3] milliseconds.
const joinRoomLua = `
local key = KEYS[1]
if redis.call('SISMEMBER', key, ARGV[1]) == 1 then
    redis.call('PEXPIRE', key, ARGV[3])
    return redis.call('SCARD', key)
end
local n = redis.call('SCARD', key)
if n >= tonumber(ARGV[2]) then
    return -n
end
redis.call('SADD', key, ARGV[1])
redis.call('PEXPIRE', key, ARGV[3])
return n + 1
`

const leaveRoomLua = `
redis.call('SREM', KEYS[1], ARGV[1])
local n = redis.call('SCARD', KEYS[1])
if n == 0 then
    redis.call('DEL', KEYS[1])
end
return n
`

// RedisOptions configures a RedisBroker.
type RedisOptions struct {
	// KeyPrefix namespaces room sets and pub/sub channels.
	KeyPrefix string
	// RoomTTL expires a room set nobody has touched, so members of a crashed
	// instance do not hold a room forever.
	RoomTTL time.Duration
	Logger  *slog.Logger

	OnRoomOpened func()
	OnRoomClosed func()
}

// RedisBroker shares rooms between relay instances. Membership is a Redis
// set per room guarded by a capacity script; frames fan out over one
// pattern subscription per instance and are delivered to the local members.
type RedisBroker struct {
	rdb    *redis.Client
	opts   RedisOptions
	logger *slog.Logger

	joinScript  *redis.Script
	leaveScript *redis.Script

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	local  map[string]map[string]DeliverFunc
	closed bool
}

type redisFrame struct {
	From  string          `json:"from"`
	Frame json.RawMessage `json:"frame"`
}

// NewRedisBroker subscribes to the relay channels and starts delivering.
// The subscription is confirmed before it returns.
func NewRedisBroker(ctx context.Context, rdb *redis.Client, opts RedisOptions) (*RedisBroker, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "mathschat"
	}
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &RedisBroker{
		rdb:         rdb,
		opts:        opts,
		logger:      opts.Logger.With("component", "redis_broker"),
		joinScript:  redis.NewScript(joinRoomLua),
		leaveScript: redis.NewScript(leaveRoomLua),
		local:       make(map[string]map[string]DeliverFunc),
		done:        make(chan struct{}),
	}

	b.pubsub = rdb.PSubscribe(ctx, b.channel("*"))
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(runCtx)
	return b, nil
}

func (b *RedisBroker) roomKey(room string) string { return b.opts.KeyPrefix + ":room:" + room }

func (b *RedisBroker) channel(room string) string { return b.opts.KeyPrefix + ":relay:" + room }

func (b *RedisBroker) Join(ctx context.Context, room, member string, deliver DeliverFunc) (int, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, ErrBrokerClosed
	}

	n, err := b.joinScript.Run(ctx, b.rdb, []string{b.roomKey(room)},
		member, MaxRoomMembers, b.opts.RoomTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("relay: join %s: %w", room, err)
	}
	if n < 0 {
		return -n, ErrRoomFull
	}

	b.mu.Lock()
	members, ok := b.local[room]
	if !ok {
		members = make(map[string]DeliverFunc, MaxRoomMembers)
		b.local[room] = members
	}
	members[member] = deliver
	b.mu.Unlock()
	if !ok && b.opts.OnRoomOpened != nil {
		b.opts.OnRoomOpened()
	}
	return n, nil
}

func (b *RedisBroker) Publish(ctx context.Context, room, from string, frame []byte) error {
	msg, err := json.Marshal(redisFrame{From: from, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, b.channel(room), msg)
	pipe.PExpire(ctx, b.roomKey(room), b.opts.RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: publish %s: %w", room, err)
	}
	return nil
}

func (b *RedisBroker) Leave(ctx context.Context, room, member string) (int, error) {
	b.mu.Lock()
	emptied := false
	if members, ok := b.local[room]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(b.local, room)
			emptied = true
		}
	}
	b.mu.Unlock()
	if emptied && b.opts.OnRoomClosed != nil {
		b.opts.OnRoomClosed()
	}

	n, err := b.leaveScript.Run(ctx, b.rdb, []string{b.roomKey(room)}, member).Int()
	if err != nil {
		return 0, fmt.Errorf("relay: leave %s: %w", room, err)
	}
	return n, nil
}

func (b *RedisBroker) run(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	prefix := b.channel("")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			room, found := strings.CutPrefix(msg.Channel, prefix)
			if !found {
				continue
			}
			var f redisFrame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.logger.Warn("dropping malformed broker frame", "room", room, "err", err)
				continue
			}
			b.deliverLocal(room, f.From, f.Frame)
		}
	}
}

func (b *RedisBroker) deliverLocal(room, from string, frame []byte) {
	b.mu.Lock()
	targets := make([]DeliverFunc, 0, MaxRoomMembers)
	for id, deliver := range b.local[room] {
		if id != from {
			targets = append(targets, deliver)
		}
	}
	b.mu.Unlock()
	for _, deliver := range targets {
		deliver(frame)
	}
}

// Close stops delivery and removes this instance's members from their rooms.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	local := b.local
	b.local = make(map[string]map[string]DeliverFunc)
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	<-b.done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for room, members := range local {
		for member := range members {
			if _, lerr := b.leaveScript.Run(ctx, b.rdb, []string{b.roomKey(room)}, member).Int(); lerr != nil {
				err = errors.Join(err, lerr)
			}
		}
	}
	return err
}
