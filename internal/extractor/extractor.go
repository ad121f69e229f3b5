package extractor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xaenox/octopus/internal/classifier"
	"github.com/xaenox/octopus/internal/metrics"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
)

const defaultLimit = 100

// Store is what extraction reads and writes.
type Store interface {
	storage.MessageStore
	storage.MentionStore
	storage.TokenCatalog
}

// Recognizers maps a language code to its entity recognizer. A language
// without one runs without the entity signal.
type Recognizers map[string]classifier.EntityRecognizer

// Stats summarizes one extraction call. Messages counts messages that were
// extracted, WithMentions those that produced at least one new mention.
type Stats struct {
	Messages     int `json:"messages"`
	WithMentions int `json:"with_mentions"`
	Mentions     int `json:"mentions"`
}

func (s *Stats) add(o Stats) {
	s.Messages += o.Messages
	s.WithMentions += o.WithMentions
	s.Mentions += o.Mentions
}

type Extractor struct {
	store       Store
	recognizers Recognizers
	metrics     *metrics.Pipeline
	logger      *zap.Logger

	catalog singleflight.Group
}

func New(store Store, recognizers Recognizers, m *metrics.Pipeline, logger *zap.Logger) *Extractor {
	if recognizers == nil {
		recognizers = Recognizers{}
	}
	return &Extractor{
		store:       store,
		recognizers: recognizers,
		metrics:     m,
		logger:      logger,
	}
}

// Process extracts mentions for one message unless it was already processed.
func (e *Extractor) Process(ctx context.Context, messageID int64) (Stats, error) {
	return e.processIDs(ctx, []int64{messageID}, false)
}

// Reprocess extracts again regardless of earlier results. Pairs already
// stored are kept as they are.
func (e *Extractor) Reprocess(ctx context.Context, messageID int64) (Stats, error) {
	return e.processIDs(ctx, []int64{messageID}, true)
}

func (e *Extractor) BatchProcess(ctx context.Context, messageIDs []int64) (Stats, error) {
	return e.processIDs(ctx, messageIDs, false)
}

// ProcessUnprocessed handles the newest unprocessed messages of every collector.
func (e *Extractor) ProcessUnprocessed(ctx context.Context, limit int) (Stats, error) {
	return e.processFilter(ctx, storage.UnprocessedFilter{Limit: limit})
}

func (e *Extractor) ProcessCollectorMessages(ctx context.Context, collectorID int64, limit int) (Stats, error) {
	return e.processFilter(ctx, storage.UnprocessedFilter{CollectorID: collectorID, Limit: limit})
}

// ProcessAll sweeps unprocessed messages in batches until none are left or
// maxBatches is reached. maxBatches <= 0 means no cap.
func (e *Extractor) ProcessAll(ctx context.Context, batchSize, maxBatches int) (Stats, error) {
	if batchSize <= 0 {
		batchSize = defaultLimit
	}
	var total Stats
	for batch := 0; maxBatches <= 0 || batch < maxBatches; batch++ {
		msgs, err := e.store.UnprocessedMessages(ctx, storage.UnprocessedFilter{Limit: batchSize})
		if err != nil {
			return total, err
		}
		if len(msgs) == 0 {
			break
		}
		stats, err := e.processMessages(ctx, msgs, false)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if len(msgs) < batchSize || stats.Messages == 0 {
			break
		}
		e.logger.Debug("Processed extraction batch",
			zap.Int("batch", batch+1),
			zap.Int("messages", stats.Messages),
			zap.Int("mentions", stats.Mentions))
	}
	e.logger.Info("Processed all unprocessed messages",
		zap.Int("messages", total.Messages),
		zap.Int("mentions", total.Mentions))
	return total, nil
}

func (e *Extractor) processFilter(ctx context.Context, filter storage.UnprocessedFilter) (Stats, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	msgs, err := e.store.UnprocessedMessages(ctx, filter)
	if err != nil {
		return Stats{}, err
	}
	return e.processMessages(ctx, msgs, false)
}

func (e *Extractor) processIDs(ctx context.Context, ids []int64, force bool) (Stats, error) {
	msgs := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := e.store.GetMessage(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("Message not found", zap.Int64("message_id", id))
			continue
		}
		if err != nil {
			return Stats{}, err
		}
		msgs = append(msgs, msg)
	}
	return e.processMessages(ctx, msgs, force)
}

// processMessages loads the catalog once and extracts every message. A
// failing message is logged and the rest continue; the failures come back
// combined.
func (e *Extractor) processMessages(ctx context.Context, msgs []*models.Message, force bool) (Stats, error) {
	var stats Stats
	if len(msgs) == 0 {
		return stats, nil
	}

	tokens, err := e.tokens(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load token catalog: %w", err)
	}

	var errs error
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		done, saved, err := e.processMessage(ctx, msg, tokens, force)
		if err != nil {
			e.logger.Error("Failed to extract mentions",
				zap.Int64("message_id", msg.ID),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("message %d: %w", msg.ID, err))
			continue
		}
		if !done {
			continue
		}
		stats.Messages++
		stats.Mentions += saved
		if saved > 0 {
			stats.WithMentions++
		}
	}

	e.metrics.ObserveExtraction(stats.Messages, stats.Mentions)
	e.logger.Info("Batch processed messages",
		zap.Int("messages", stats.Messages),
		zap.Int("with_mentions", stats.WithMentions),
		zap.Int("mentions", stats.Mentions))
	return stats, errs
}

// tokens loads the catalog. Concurrent chains share one in-flight read.
func (e *Extractor) tokens(ctx context.Context) ([]*models.Token, error) {
	v, err, _ := e.catalog.Do("tokens", func() (any, error) {
		return e.store.ListTokens(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.Token), nil
}

func (e *Extractor) processMessage(ctx context.Context, msg *models.Message, tokens []*models.Token, force bool) (bool, int, error) {
	if !force {
		if msg.ProcessedAt != nil {
			return false, 0, nil
		}
		n, err := e.store.CountMentions(ctx, msg.ID)
		if err != nil {
			return false, 0, err
		}
		if n > 0 {
			e.logger.Debug("Message already processed, skipping", zap.Int64("message_id", msg.ID))
			return false, 0, nil
		}
	}

	found := e.Extract(ctx, msg, tokens)
	mentions := make([]*models.Mention, 0, len(found))
	for _, c := range found {
		mentions = append(mentions, &models.Mention{
			MessageID:  msg.ID,
			TokenID:    c.TokenID,
			Confidence: c.Confidence,
			IsValid:    true,
		})
	}

	saved, err := e.store.SaveExtraction(ctx, msg.ID, mentions)
	if err != nil {
		return false, 0, err
	}
	if saved > 0 {
		e.logger.Info("Saved mentions",
			zap.Int64("message_id", msg.ID),
			zap.Int("mentions", saved))
	}
	return true, saved, nil
}
