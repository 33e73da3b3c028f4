package store

import (
	"context"
	"sync"
	"time"
)

const defaultSubscriptionBuffer = 256

// Memory is an in-process Store. Several registries sharing one Memory
// behave like several processes sharing one broker, which makes it suitable
// for single-node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string]memoryValue
	sets   map[string]map[string]struct{}
	subs   map[string]map[*memorySubscription]struct{}
	closed bool

	buffer int
	now    func() time.Time
}

type memoryValue struct {
	data    []byte
	expires time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memoryValue),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: defaultSubscriptionBuffer,
		now:    time.Now,
	}
}

func (m *Memory) expired(v memoryValue) bool {
	return !v.expires.IsZero() && !m.now().Before(v.expires)
}

// Set stores value under key; a zero ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	v := memoryValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	v, ok := m.values[key]
	if !ok || m.expired(v) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

// Del removes plain keys and sets.
func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, key := range keys {
		delete(m.values, key)
		delete(m.sets, key)
	}
	return nil
}

// Exists reports whether key holds a live value or a non-empty set.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}

	if v, ok := m.values[key]; ok && !m.expired(v) {
		return true, nil
	}
	return len(m.sets[key]) > 0, nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if set, ok := m.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}

	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.sets[key])), nil
}

// Publish delivers payload to every current subscriber of channel. A
// subscriber whose buffer is full misses the message, as a Redis client
// over its output buffer limit would.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}

	var delivered int64
	for sub := range m.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
	}
	return delivered, nil
}

// Subscribe registers a subscription to channels.
func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		owner:    m,
		channels: append([]string(nil), channels...),
		ch:       make(chan Message, m.buffer),
		done:     make(chan struct{}),
	}
	for _, channel := range channels {
		subs, ok := m.subs[channel]
		if !ok {
			subs = make(map[*memorySubscription]struct{})
			m.subs[channel] = subs
		}
		subs[sub] = struct{}{}
	}
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions on channel.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close makes every later operation fail with ErrClosed and ends all
// subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memorySubscription
	seen := make(map[*memorySubscription]struct{})
	for _, set := range m.subs {
		for sub := range set {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				subs = append(subs, sub)
			}
		}
	}
	m.subs = make(map[string]map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.markDone()
	}
	return nil
}

func (m *Memory) unsubscribe(sub *memorySubscription) {
	m.mu.Lock()
	for _, channel := range sub.channels {
		if subs, ok := m.subs[channel]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(m.subs, channel)
			}
		}
	}
	m.mu.Unlock()
}

type memorySubscription struct {
	owner    *Memory
	channels []string
	ch       chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *memorySubscription) markDone() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) Next(ctx context.Context, timeout time.Duration) (Message, error) {
	// Drain buffered messages before reporting closure.
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, ErrPollTimeout
	}
}

func (s *memorySubscription) Channels() []string {
	return append([]string(nil), s.channels...)
}

func (s *memorySubscription) Close(context.Context) error {
	s.owner.unsubscribe(s)
	s.markDone()
	return nil
}
