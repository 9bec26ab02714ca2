package relay

import (
	"context"
	"sync"
)

// MaxRoomMembers is the room capacity.
const MaxRoomMembers = 2

// DeliverFunc hands a frame to one local member. It must not block.
type DeliverFunc func(frame []byte)

// Broker tracks room membership and fans frames out to the other members of
// a room.
type Broker interface {
	// Join adds member to room and returns the resulting member count. It
	// fails with ErrRoomFull when the room already holds MaxRoomMembers.
	// Joining a room the member is already in is a no-op.
	Join(ctx context.Context, room, member string, deliver DeliverFunc) (int, error)
	// Publish delivers frame to every member of room except from.
	Publish(ctx context.Context, room, from string, frame []byte) error
	// Leave removes member from room and returns the remaining count. An
	// emptied room is deleted.
	Leave(ctx context.Context, room, member string) (int, error)
	Close() error
}

// MemoryBroker keeps rooms in process memory.
type MemoryBroker struct {
	mu     sync.Mutex
	rooms  map[string]map[string]DeliverFunc
	closed bool

	onRoomOpened func()
	onRoomClosed func()
}

// NewMemoryBroker returns an empty broker. The callbacks, when non-nil, run
// as rooms are created and deleted.
func NewMemoryBroker(onRoomOpened, onRoomClosed func()) *MemoryBroker {
	return &MemoryBroker{
		rooms:        make(map[string]map[string]DeliverFunc),
		onRoomOpened: onRoomOpened,
		onRoomClosed: onRoomClosed,
	}
}

func (b *MemoryBroker) Join(_ context.Context, room, member string, deliver DeliverFunc) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBrokerClosed
	}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]DeliverFunc, MaxRoomMembers)
		b.rooms[room] = members
		if b.onRoomOpened != nil {
			b.onRoomOpened()
		}
	}
	if _, ok := members[member]; ok {
		return len(members), nil
	}
	if len(members) >= MaxRoomMembers {
		return len(members), ErrRoomFull
	}
	members[member] = deliver
	return len(members), nil
}

func (b *MemoryBroker) Publish(_ context.Context, room, from string, frame []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	targets := make([]DeliverFunc, 0, MaxRoomMembers)
	for id, deliver := range b.rooms[room] {
		if id != from {
			targets = append(targets, deliver)
		}
	}
	b.mu.Unlock()

	for _, deliver := range targets {
		deliver(frame)
	}
	return nil
}

func (b *MemoryBroker) Leave(_ context.Context, room, member string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		return 0, nil
	}
	delete(members, member)
	if len(members) == 0 {
		delete(b.rooms, room)
		if b.onRoomClosed != nil {
			b.onRoomClosed()
		}
	}
	return len(members), nil
}

// Rooms returns the number of live rooms.
func (b *MemoryBroker) Rooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.rooms = make(map[string]map[string]DeliverFunc)
	b.mu.Unlock()
	return nil
}
