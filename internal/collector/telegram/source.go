package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
)

const defaultLimit = 100

// Chat describes the channel or group a history was read from.
type Chat struct {
	ID       int64
	Title    string
	Username string
}

// Item is one channel or group message as read from either backend.
type Item struct {
	ID         int64
	Date       time.Time
	Text       string
	Views      int
	Forwards   int
	Replies    int
	HasMedia   bool
	MediaType  string
	AuthorID   string
	AuthorName string
}

// History reads messages of one chat newer than target.OffsetID, newest
// first, at most limit of them.
type History interface {
	Fetch(ctx context.Context, target models.ChatTarget, collectionType string, limit int) (Chat, []Item, error)
}

// Backend owns a client for exactly one collection: Session connects,
// hands fn a History and disconnects when fn returns.
type Backend interface {
	Session(ctx context.Context, fn func(ctx context.Context, h History) error) error
}

// Result is the output of one channel or group.
type Result struct {
	collector.Target
	Chat  Chat
	Items []Item
}

type Batch struct {
	Results []Result
}

func (b *Batch) Platform() models.Platform { return models.PlatformTelegram }

func (b *Batch) Len() int {
	n := 0
	for _, r := range b.Results {
		n += len(r.Items)
	}
	return n
}

func (b *Batch) Targets() []collector.Target {
	out := make([]collector.Target, len(b.Results))
	for i, r := range b.Results {
		out[i] = r.Target
	}
	return out
}

type Source struct {
	backend       Backend
	targetTimeout time.Duration
	logger        *zap.Logger
}

// NewSource returns a telegram source. targetTimeout bounds each channel or
// group fetch; zero means no bound beyond ctx.
func NewSource(backend Backend, targetTimeout time.Duration, logger *zap.Logger) *Source {
	return &Source{backend: backend, targetTimeout: targetTimeout, logger: logger}
}

func (s *Source) Type() models.Platform { return models.PlatformTelegram }

func (s *Source) Collect(ctx context.Context, cfg *models.CollectorConfig) (collector.RawBatch, error) {
	batch := &Batch{}
	err := s.backend.Session(ctx, func(ctx context.Context, h History) error {
		for i := range cfg.Channels {
			batch.Results = append(batch.Results, s.collectChat(ctx, h, &cfg.Channels[i], collector.CollectionChannel))
		}
		for i := range cfg.Groups {
			batch.Results = append(batch.Results, s.collectChat(ctx, h, &cfg.Groups[i], collector.CollectionGroup))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("telegram session: %w", err)
	}
	return batch, nil
}

func (s *Source) collectChat(ctx context.Context, h History, target *models.ChatTarget, collectionType string) Result {
	result := Result{Target: collector.Target{SourceName: target.Ref(), CollectionType: collectionType}}

	limit := target.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if s.targetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.targetTimeout)
		defer cancel()
	}

	chat, items, err := h.Fetch(ctx, *target, collectionType, limit)
	if err != nil {
		result.Err = err
		return result
	}

	result.Chat = chat
	result.Items = items
	if chat.Username != "" {
		result.SourceName = chat.Username
	} else if chat.Title != "" {
		result.SourceName = chat.Title
	}

	for _, item := range items {
		if item.ID > target.OffsetID {
			target.OffsetID = item.ID
		}
	}
	s.logger.Info("Collected telegram messages",
		zap.String("chat", result.SourceName),
		zap.String("collection_type", collectionType),
		zap.Int("count", len(items)),
		zap.Int64("offset_id", target.OffsetID))
	return result
}

func (s *Source) Standardize(batch collector.RawBatch, collectorID int64, defaultSourceName string) ([]*models.Message, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, collector.BatchTypeError(models.PlatformTelegram, batch)
	}
	return Standardize(b, collectorID, defaultSourceName), nil
}

// Standardize maps a telegram batch onto messages. Items without text are
// skipped.
func Standardize(batch *Batch, collectorID int64, defaultSourceName string) []*models.Message {
	var msgs []*models.Message
	for _, r := range batch.Results {
		if r.Err != nil {
			continue
		}
		sourceName := r.SourceName
		if sourceName == "" {
			sourceName = defaultSourceName
		}
		for _, item := range r.Items {
			if item.Text == "" {
				continue
			}
			var mediaType any
			if item.HasMedia {
				mediaType = item.MediaType
			}
			msgs = append(msgs, &models.Message{
				Platform:    models.PlatformTelegram,
				SourceID:    strconv.FormatInt(item.ID, 10),
				SourceName:  sourceName,
				Content:     item.Text,
				ContentHash: models.ContentHash(item.Text),
				Timestamp:   item.Date.UTC(),
				AuthorID:    item.AuthorID,
				AuthorName:  item.AuthorName,
				Metadata: models.Metadata{
					"views":            item.Views,
					"forwards":         item.Forwards,
					"replies":          item.Replies,
					"has_media":        item.HasMedia,
					"media_type":       mediaType,
					"channel_id":       r.Chat.ID,
					"channel_title":    r.Chat.Title,
					"channel_username": r.Chat.Username,
					"collection_type":  r.CollectionType,
				},
				CollectorID: collectorID,
			})
		}
	}
	return msgs
}
