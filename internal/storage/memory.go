package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/octopus/internal/models"
)

type MemoryStorage struct {
	mu         sync.RWMutex
	messages   map[int64]*models.Message
	hashes     map[string]int64
	mentions   map[int64][]*models.Mention
	tokens     map[int64]*models.Token
	collectors map[int64]*models.Collector
	nextID     int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:   make(map[int64]*models.Message),
		hashes:     make(map[string]int64),
		mentions:   make(map[int64][]*models.Mention),
		tokens:     make(map[int64]*models.Token),
		collectors: make(map[int64]*models.Collector),
	}
}

func (s *MemoryStorage) id() int64 {
	s.nextID++
	return s.nextID
}

// Message methods
func (s *MemoryStorage) ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]struct{})
	for _, h := range hashes {
		if _, ok := s.hashes[h]; ok {
			found[h] = struct{}{}
		}
	}
	return found, nil
}

func (s *MemoryStorage) InsertMessages(ctx context.Context, msgs []*models.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	now := time.Now().UTC()
	for _, msg := range msgs {
		if _, exists := s.hashes[msg.ContentHash]; exists {
			continue
		}
		stored := *msg
		stored.ID = s.id()
		stored.CreatedAt = now
		s.messages[stored.ID] = &stored
		s.hashes[stored.ContentHash] = stored.ID
		msg.ID = stored.ID
		msg.CreatedAt = now
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStorage) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (s *MemoryStorage) UnprocessedMessages(ctx context.Context, filter UnprocessedFilter) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Message
	for _, msg := range s.messages {
		if msg.ProcessedAt != nil || len(s.mentions[msg.ID]) > 0 {
			continue
		}
		if filter.CollectorID != 0 && msg.CollectorID != filter.CollectorID {
			continue
		}
		m := *msg
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Mention methods
func (s *MemoryStorage) CountMentions(ctx context.Context, messageID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mentions[messageID]), nil
}

func (s *MemoryStorage) ListMentions(ctx context.Context, messageID int64) ([]*models.Mention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Mention, 0, len(s.mentions[messageID]))
	for _, m := range s.mentions[messageID] {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStorage) SaveExtraction(ctx context.Context, messageID int64, mentions []*models.Mention) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return 0, ErrNotFound
	}

	saved := 0
	now := time.Now().UTC()
	for _, m := range mentions {
		duplicate := false
		for _, existing := range s.mentions[messageID] {
			if existing.TokenID == m.TokenID {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		stored := *m
		stored.ID = s.id()
		stored.MessageID = messageID
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		s.mentions[messageID] = append(s.mentions[messageID], &stored)
		m.ID = stored.ID
		saved++
	}
	msg.ProcessedAt = &now
	return saved, nil
}

// Token methods
func (s *MemoryStorage) ListTokens(ctx context.Context) ([]*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddToken seeds the catalog. (Address, Chain) is unique; a repeated pair
// returns the existing token.
func (s *MemoryStorage) AddToken(ctx context.Context, token *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if strings.EqualFold(t.Address, token.Address) && t.Chain == token.Chain {
			token.ID = t.ID
			return nil
		}
	}
	stored := *token
	stored.ID = s.id()
	s.tokens[stored.ID] = &stored
	token.ID = stored.ID
	return nil
}

// Collector methods
func (s *MemoryStorage) AddCollector(ctx context.Context, c *models.Collector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	stored.ID = s.id()
	if stored.LastRunStatus == "" {
		stored.LastRunStatus = models.StatusIdle
	}
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	s.collectors[stored.ID] = &stored
	c.ID = stored.ID
	c.LastRunStatus = stored.LastRunStatus
	return nil
}

func (s *MemoryStorage) GetCollector(ctx context.Context, id int64) (*models.Collector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collectors[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStorage) ListActiveCollectors(ctx context.Context) ([]*models.Collector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Collector
	for _, c := range s.collectors {
		if c.IsActive {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStorage) SaveCollectorRun(ctx context.Context, c *models.Collector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.collectors[c.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Config = c.Config
	stored.LastRunAt = c.LastRunAt
	stored.LastRunStatus = c.LastRunStatus
	stored.LastRunMessage = c.LastRunMessage
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStorage) SetRunMessage(ctx context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.collectors[id]
	if !ok {
		return ErrNotFound
	}
	stored.LastRunMessage = message
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStorage) FindCollectorByRunMessage(ctx context.Context, fragment string) (*models.Collector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Collector
	for _, c := range s.collectors {
		if !strings.Contains(c.LastRunMessage, fragment) {
			continue
		}
		if found == nil || c.UpdatedAt.After(found.UpdatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := *found
	return &out, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
