package broker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var ErrBrokerClosed = errors.New("broker is closed")

type memoryList struct {
	items     [][]byte
	expiresAt time.Time
}

// MemoryBroker is the in-process broker used when Redis is not configured.
// One mutex guards every queue and list, which gives the same atomicity as
// the single-threaded Redis commands it stands in for.
type MemoryBroker struct {
	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	queues  map[string][][]byte
	lists   map[string]*memoryList
	changed chan struct{}
	closed  bool
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(logger *log.Logger) *MemoryBroker {
	return &MemoryBroker{
		logger:  logger,
		now:     time.Now,
		queues:  make(map[string][][]byte),
		lists:   make(map[string]*memoryList),
		changed: make(chan struct{}),
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.changed)
	}
	return nil
}

func (b *MemoryBroker) Push(ctx context.Context, queue string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.queues[queue] = append(b.queues[queue], append([]byte(nil), payload...))

	// Wake every waiter; each re-checks under the lock so only one wins the item.
	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

func (b *MemoryBroker) BlockingPopAny(
	ctx context.Context,
	queues []string,
	timeout time.Duration,
) (Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Message{}, false, ErrBrokerClosed
		}
		if msg, ok := b.popLocked(queues); ok {
			b.mu.Unlock()
			return msg, true, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, false, ctx.Err()
		case <-timer.C:
			return Message{}, false, nil
		case <-changed:
		}
	}
}

func (b *MemoryBroker) popLocked(queues []string) (Message, bool) {
	for _, queue := range queues {
		items := b.queues[queue]
		if len(items) == 0 {
			continue
		}
		payload := items[0]
		items[0] = nil
		if len(items) == 1 {
			delete(b.queues, queue)
		} else {
			b.queues[queue] = items[1:]
		}
		return Message{Queue: queue, Payload: payload}, true
	}
	return Message{}, false
}

func (b *MemoryBroker) Append(ctx context.Context, key string, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	list := b.liveListLocked(key)
	if list == nil {
		list = &memoryList{}
		b.lists[key] = list
	}
	list.items = append(list.items, append([]byte(nil), chunk...))
	return nil
}

func (b *MemoryBroker) ReadAllAndClear(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	list := b.liveListLocked(key)
	if list == nil {
		return nil, nil
	}
	delete(b.lists, key)
	return list.items, nil
}

func (b *MemoryBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if list := b.liveListLocked(key); list != nil {
		list.expiresAt = b.now().Add(ttl)
	}
	return nil
}

// liveListLocked returns the list under key, reclaiming it first if its
// expiry has passed.
func (b *MemoryBroker) liveListLocked(key string) *memoryList {
	list, ok := b.lists[key]
	if !ok {
		return nil
	}
	if !list.expiresAt.IsZero() && !b.now().Before(list.expiresAt) {
		delete(b.lists, key)
		if b.logger != nil {
			b.logger.Printf("memory broker expired list key=%s chunks=%d", key, len(list.items))
		}
		return nil
	}
	return list
}
