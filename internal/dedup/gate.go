package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
)

// SaveResult counts what happened to one batch. Candidates == Saved + Duplicates.
type SaveResult struct {
	Candidates int
	Saved      int
	Duplicates int
}

// Gate filters messages whose content hash is already stored and persists
// the remainder in one commit.
type Gate struct {
	store  storage.MessageStore
	logger *zap.Logger
}

func NewGate(store storage.MessageStore, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

func (g *Gate) Save(ctx context.Context, msgs []*models.Message) (SaveResult, error) {
	result := SaveResult{Candidates: len(msgs)}
	if len(msgs) == 0 {
		return result, nil
	}

	seen := make(map[string]struct{}, len(msgs))
	unique := make([]*models.Message, 0, len(msgs))
	hashes := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ContentHash == "" {
			msg.ContentHash = models.ContentHash(msg.Content)
		}
		if _, dup := seen[msg.ContentHash]; dup {
			continue
		}
		seen[msg.ContentHash] = struct{}{}
		unique = append(unique, msg)
		hashes = append(hashes, msg.ContentHash)
	}

	existing, err := g.store.ExistingHashes(ctx, hashes)
	if err != nil {
		return result, fmt.Errorf("failed to look up content hashes: %w", err)
	}

	fresh := unique[:0]
	for _, msg := range unique {
		if _, ok := existing[msg.ContentHash]; !ok {
			fresh = append(fresh, msg)
		}
	}

	// The store's uniqueness constraint decides races with concurrent runs;
	// rows it refuses are duplicates like any other.
	saved, err := g.store.InsertMessages(ctx, fresh)
	if err != nil {
		return result, fmt.Errorf("failed to save messages: %w", err)
	}

	result.Saved = saved
	result.Duplicates = result.Candidates - saved
	g.logger.Debug("Deduplicated batch",
		zap.Int("candidates", result.Candidates),
		zap.Int("saved", result.Saved),
		zap.Int("duplicates", result.Duplicates))
	return result, nil
}
