package lock

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCapacity = 4096

type slot struct {
	sem  chan struct{}
	refs int
}

// Keyed hands out one exclusive lock per key. Locks are created on first use.
// A lock that is held or waited on is pinned; idle locks live in an LRU and
// are dropped when the LRU is full.
type Keyed struct {
	mu     sync.Mutex
	pinned map[string]*slot
	idle   *lru.Cache[string, *slot]
}

func NewKeyed(capacity int) (*Keyed, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idle, err := lru.New[string, *slot](capacity)
	if err != nil {
		return nil, err
	}
	return &Keyed{
		pinned: make(map[string]*slot),
		idle:   idle,
	}, nil
}

func (k *Keyed) checkout(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.pinned[key]
	if !ok {
		if s, ok = k.idle.Peek(key); ok {
			k.idle.Remove(key)
		} else {
			s = &slot{sem: make(chan struct{}, 1)}
		}
		k.pinned[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) checkin(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(k.pinned, key)
		k.idle.Add(key, s)
	}
}

// Acquire blocks until the lock for key is free or ctx is done. Holders of
// other keys are never blocked.
func (k *Keyed) Acquire(ctx context.Context, key string) (*Token, error) {
	s := k.checkout(key)
	select {
	case s.sem <- struct{}{}:
		return &Token{key: key, owner: k, slot: s}, nil
	case <-ctx.Done():
		k.checkin(key, s)
		return nil, ctx.Err()
	}
}

// Len is the number of locks currently tracked, pinned and idle.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pinned) + k.idle.Len()
}

type Token struct {
	key   string
	owner *Keyed
	slot  *slot
	once  sync.Once
}

// Release frees the lock. Calling it more than once is a no-op.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		<-t.slot.sem
		t.owner.checkin(t.key, t.slot)
	})
}
