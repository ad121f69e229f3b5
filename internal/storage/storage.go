package storage

import (
	"context"
	"errors"

	"github.com/xaenox/octopus/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Storage interface {
	MessageStore
	MentionStore
	TokenCatalog
	CollectorStore
	Close() error
}

// MessageStore persists normalized messages. InsertMessages must enforce
// content hash uniqueness itself (conditional insert) and commit the whole
// batch at once; rows skipped by the constraint are not counted.
type MessageStore interface {
	ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error)
	InsertMessages(ctx context.Context, msgs []*models.Message) (int, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	UnprocessedMessages(ctx context.Context, filter UnprocessedFilter) ([]*models.Message, error)
}

// UnprocessedFilter selects messages without an extraction result.
// CollectorID 0 means every collector.
type UnprocessedFilter struct {
	CollectorID int64
	Limit       int
}

type MentionStore interface {
	CountMentions(ctx context.Context, messageID int64) (int, error)
	ListMentions(ctx context.Context, messageID int64) ([]*models.Mention, error)
	// SaveExtraction stores mentions for a message and marks it processed in
	// one commit. Pairs already stored are skipped.
	SaveExtraction(ctx context.Context, messageID int64, mentions []*models.Mention) (int, error)
}

// TokenCatalog is the read-only token list owned by catalog management.
type TokenCatalog interface {
	ListTokens(ctx context.Context) ([]*models.Token, error)
}

type CollectorStore interface {
	GetCollector(ctx context.Context, id int64) (*models.Collector, error)
	ListActiveCollectors(ctx context.Context) ([]*models.Collector, error)
	// SaveCollectorRun writes config and last-run fields of c.
	SaveCollectorRun(ctx context.Context, c *models.Collector) error
	SetRunMessage(ctx context.Context, id int64, message string) error
	// FindCollectorByRunMessage returns the most recently updated collector
	// whose last run message contains fragment.
	FindCollectorByRunMessage(ctx context.Context, fragment string) (*models.Collector, error)
}
