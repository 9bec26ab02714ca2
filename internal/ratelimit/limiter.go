package ratelimit

import (
	"container/list"
	"sync"
)

// ConnLimits bounds what one relay connection may send. Zero disables a
// limit.
type ConnLimits struct {
	MessagesPerSecond int
	BytesPerSecond    int
}

// ConnLimiter applies ConnLimits to one connection. A nil *ConnLimiter
// allows everything.
type ConnLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

func NewConnLimiter(clk Clock, limits ConnLimits) *ConnLimiter {
	l := &ConnLimiter{}
	if limits.MessagesPerSecond > 0 {
		n := int64(limits.MessagesPerSecond)
		l.messages = NewTokenBucket(clk, n, n)
	}
	if limits.BytesPerSecond > 0 {
		n := int64(limits.BytesPerSecond)
		l.bytes = NewTokenBucket(clk, n, n)
	}
	return l
}

// Allow reports whether a message of size bytes may pass.
func (l *ConnLimiter) Allow(size int) bool {
	if l == nil {
		return true
	}
	if l.messages != nil && !l.messages.Allow(1) {
		return false
	}
	if l.bytes != nil && !l.bytes.Allow(int64(size)) {
		return false
	}
	return true
}

// KeyedLimiter keeps one bucket per key (typically a client address). The
// least recently used bucket is evicted once MaxKeys is reached.
type KeyedLimiter struct {
	clock   Clock
	rate    int64
	burst   int64
	maxKeys int
	onEvict func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

type KeyedConfig struct {
	PerSecond int
	// Burst defaults to PerSecond.
	Burst int
	// MaxKeys defaults to 4096.
	MaxKeys int
	// OnEvict runs once per evicted bucket, outside the limiter's lock.
	OnEvict func()
}

// NewKeyedLimiter returns nil when cfg.PerSecond is not positive; a nil
// *KeyedLimiter allows everything.
func NewKeyedLimiter(clk Clock, cfg KeyedConfig) *KeyedLimiter {
	if cfg.PerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerSecond
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 4096
	}
	return &KeyedLimiter{
		clock:   clk,
		rate:    int64(cfg.PerSecond),
		burst:   int64(cfg.Burst),
		maxKeys: cfg.MaxKeys,
		onEvict: cfg.OnEvict,
		buckets: make(map[string]*keyedEntry),
		lru:     list.New(),
	}
}

func (k *KeyedLimiter) Allow(key string) bool {
	if k == nil {
		return true
	}
	return k.bucket(key).Allow(1)
}

// Len reports how many keys currently hold a bucket.
func (k *KeyedLimiter) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *KeyedLimiter) bucket(key string) *TokenBucket {
	var evicted bool

	k.mu.Lock()
	if e, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(e.elem)
		k.mu.Unlock()
		return e.bucket
	}
	if len(k.buckets) >= k.maxKeys {
		if back := k.lru.Back(); back != nil {
			k.lru.Remove(back)
			delete(k.buckets, back.Value.(string))
			evicted = true
		}
	}
	b := NewTokenBucket(k.clock, k.burst, k.rate)
	k.buckets[key] = &keyedEntry{bucket: b, elem: k.lru.PushFront(key)}
	k.mu.Unlock()

	if evicted && k.onEvict != nil {
		k.onEvict()
	}
	return b
}
