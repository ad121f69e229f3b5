package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL bounds how long a lost chain keeps its collector locked.
const DefaultLeaseTTL = time.Hour

// StateStore persists chain state by task id and the per-collector lease
// that allows one outstanding chain per collector.
type StateStore interface {
	Save(ctx context.Context, st *ChainState) error
	Load(ctx context.Context, taskID string) (*ChainState, error)
	// AcquireLease makes taskID the collector's outstanding chain unless
	// another task holds it, and returns the holder. Acquiring a lease
	// already held by taskID extends it.
	AcquireLease(ctx context.Context, collectorID int64, taskID string) (string, error)
	// ReleaseLease drops the lease if taskID still holds it.
	ReleaseLease(ctx context.Context, collectorID int64, taskID string) error
}

type lease struct {
	taskID  string
	expires time.Time
}

type MemoryStateStore struct {
	mu       sync.RWMutex
	states   map[string]ChainState
	leases   map[int64]lease
	leaseTTL time.Duration
	now      func() time.Time
}

func NewMemoryStateStore(leaseTTL time.Duration) *MemoryStateStore {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &MemoryStateStore{
		states:   make(map[string]ChainState),
		leases:   make(map[int64]lease),
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

func (s *MemoryStateStore) Save(ctx context.Context, st *ChainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	cp.Results = make(map[string]json.RawMessage, len(st.Results))
	for k, v := range st.Results {
		cp.Results[k] = v
	}
	s.states[st.TaskID] = cp
	return nil
}

func (s *MemoryStateStore) Load(ctx context.Context, taskID string) (*ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := st
	cp.Results = make(map[string]json.RawMessage, len(st.Results))
	for k, v := range st.Results {
		cp.Results[k] = v
	}
	return &cp, nil
}

func (s *MemoryStateStore) AcquireLease(ctx context.Context, collectorID int64, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[collectorID]; ok && l.taskID != taskID && now.Before(l.expires) {
		return l.taskID, nil
	}
	s.leases[collectorID] = lease{taskID: taskID, expires: now.Add(s.leaseTTL)}
	return taskID, nil
}

func (s *MemoryStateStore) ReleaseLease(ctx context.Context, collectorID int64, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[collectorID]; ok && l.taskID == taskID {
		delete(s.leases, collectorID)
	}
	return nil
}

var acquireLeaseScript = redis.NewScript(`
local cur = redis.call('get', KEYS[1])
if not cur or cur == ARGV[1] then
  redis.call('set', KEYS[1], ARGV[1], 'px', ARGV[2])
  return ARGV[1]
end
return cur
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisStateStore keeps each chain state as a JSON value that expires after
// the retention period. Collector leases are keys holding the task id.
type RedisStateStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	leaseTTL  time.Duration
}

func NewRedisStateStore(client redis.UniversalClient, prefix string, retention, leaseTTL time.Duration) *RedisStateStore {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &RedisStateStore{client: client, prefix: prefix, retention: retention, leaseTTL: leaseTTL}
}

func (s *RedisStateStore) leaseKey(collectorID int64) string {
	return s.prefix + ":lease:collector:" + strconv.FormatInt(collectorID, 10)
}

func (s *RedisStateStore) AcquireLease(ctx context.Context, collectorID int64, taskID string) (string, error) {
	ttlMs := s.leaseTTL.Milliseconds()
	holder, err := acquireLeaseScript.Run(ctx, s.client, []string{s.leaseKey(collectorID)}, taskID, ttlMs).Text()
	if err != nil {
		return "", fmt.Errorf("failed to acquire collector lease: %w", err)
	}
	return holder, nil
}

func (s *RedisStateStore) ReleaseLease(ctx context.Context, collectorID int64, taskID string) error {
	if err := releaseLeaseScript.Run(ctx, s.client, []string{s.leaseKey(collectorID)}, taskID).Err(); err != nil {
		return fmt.Errorf("failed to release collector lease: %w", err)
	}
	return nil
}

func (s *RedisStateStore) key(taskID string) string {
	return s.prefix + ":task:" + taskID
}

func (s *RedisStateStore) Save(ctx context.Context, st *ChainState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode task state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(st.TaskID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to save task state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Load(ctx context.Context, taskID string) (*ChainState, error) {
	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task state: %w", err)
	}
	var st ChainState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode task state: %w", err)
	}
	return &st, nil
}
