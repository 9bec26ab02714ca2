package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) deliver(frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(frame))
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestMemoryBrokerCapacityAndFanout(t *testing.T) {
	ctx := context.Background()
	var opened, closed int
	b := NewMemoryBroker(func() { opened++ }, func() { closed++ })

	var a, bb, c recorder
	if n, err := b.Join(ctx, "euler-42", "a", a.deliver); err != nil || n != 1 {
		t.Fatalf("join a: n=%d err=%v, want 1 nil", n, err)
	}
	if n, err := b.Join(ctx, "euler-42", "a", a.deliver); err != nil || n != 1 {
		t.Fatalf("rejoin a: n=%d err=%v, want 1 nil", n, err)
	}
	if n, err := b.Join(ctx, "euler-42", "b", bb.deliver); err != nil || n != 2 {
		t.Fatalf("join b: n=%d err=%v, want 2 nil", n, err)
	}
	if _, err := b.Join(ctx, "euler-42", "c", c.deliver); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("join c: err=%v, want %v", err, ErrRoomFull)
	}

	if err := b.Publish(ctx, "euler-42", "a", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := a.got(); len(got) != 0 {
		t.Fatalf("sender received its own frame: %v", got)
	}
	if got := bb.got(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("b frames=%v, want [x]", got)
	}
	if got := c.got(); len(got) != 0 {
		t.Fatalf("rejected member received %v", got)
	}

	if n, _ := b.Leave(ctx, "euler-42", "a"); n != 1 {
		t.Fatalf("remaining=%d, want 1", n)
	}
	if n, _ := b.Leave(ctx, "euler-42", "b"); n != 0 {
		t.Fatalf("remaining=%d, want 0", n)
	}
	if b.Rooms() != 0 {
		t.Fatalf("rooms=%d, want 0", b.Rooms())
	}
	if opened != 1 || closed != 1 {
		t.Fatalf("opened=%d closed=%d, want 1 1", opened, closed)
	}
	if n, err := b.Leave(ctx, "euler-42", "b"); err != nil || n != 0 {
		t.Fatalf("leave of unknown room: n=%d err=%v", n, err)
	}
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker(nil, nil)
	_ = b.Close()
	if _, err := b.Join(context.Background(), "r", "a", func([]byte) {}); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("join after close: err=%v, want %v", err, ErrBrokerClosed)
	}
	if err := b.Publish(context.Background(), "r", "a", nil); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("publish after close: err=%v, want %v", err, ErrBrokerClosed)
	}
}
