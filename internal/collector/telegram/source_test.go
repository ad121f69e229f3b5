package telegram

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/dedup"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
)

// fakeHistory serves fixed chats keyed by target reference.
type fakeHistory struct {
	chats    map[string]Chat
	items    map[string][]Item
	failures map[string]error
}

func (h *fakeHistory) Fetch(ctx context.Context, target models.ChatTarget, collectionType string, limit int) (Chat, []Item, error) {
	ref := target.Ref()
	if err := h.failures[ref]; err != nil {
		return Chat{}, nil, err
	}
	var out []Item
	for _, item := range h.items[ref] {
		if item.ID > target.OffsetID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return h.chats[ref], out, nil
}

type fakeBackend struct {
	history  *fakeHistory
	sessions int
	err      error
}

func (b *fakeBackend) Session(ctx context.Context, fn func(ctx context.Context, h History) error) error {
	b.sessions++
	if b.err != nil {
		return b.err
	}
	return fn(ctx, b.history)
}

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func channel42() *fakeHistory {
	return &fakeHistory{
		chats: map[string]Chat{"42": {ID: 42, Title: "Alpha Calls", Username: "alphacalls"}},
		items: map[string][]Item{"42": {
			{ID: 10, Date: base, Text: "$ABC listing soon", Views: 100},
			{ID: 11, Date: base.Add(time.Minute), Text: ""},
			{ID: 12, Date: base.Add(2 * time.Minute), Text: "chart attached", HasMedia: true, MediaType: "messageMediaPhoto"},
		}},
	}
}

func TestChannelCollectorRunTwice(t *testing.T) {
	store := storage.NewMemoryStorage()
	backend := &fakeBackend{history: channel42()}
	registry := collector.NewRegistry()
	registry.Register(models.PlatformTelegram, func() (collector.Source, error) {
		return NewSource(backend, time.Second, zap.NewNop()), nil
	})
	runner := collector.NewRunner(store, registry, dedup.NewGate(store, zap.NewNop()), nil, zap.NewNop())

	ctx := context.Background()
	c := &models.Collector{
		Name:     "alpha",
		Type:     models.PlatformTelegram,
		Config:   `{"channels":[{"id":"42","limit":50,"offset_id":0}]}`,
		IsActive: true,
	}
	require.NoError(t, store.AddCollector(ctx, c))

	first, err := runner.Run(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Saved)

	stored, err := store.GetCollector(ctx, c.ID)
	require.NoError(t, err)
	cfg, err := models.ParseCollectorConfig(stored.Config)
	require.NoError(t, err)
	assert.Equal(t, int64(12), cfg.Channels[0].OffsetID)

	second, err := runner.Run(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Saved)
	assert.Equal(t, 0, second.Collected)
	assert.Equal(t, "Collected 0 new messages", second.Message)
	assert.Equal(t, 2, backend.sessions)
}

func TestCollect_SubTargetFailureDoesNotAbortOthers(t *testing.T) {
	history := channel42()
	history.failures = map[string]error{"deadchan": errors.New("CHANNEL_PRIVATE")}
	src := NewSource(&fakeBackend{history: history}, 0, zap.NewNop())

	cfg := &models.CollectorConfig{
		Channels: []models.ChatTarget{{Username: "deadchan", OffsetID: 5}, {ID: "42"}},
	}
	raw, err := src.Collect(context.Background(), cfg)
	require.NoError(t, err)

	targets := raw.Targets()
	require.Len(t, targets, 2)
	assert.EqualError(t, targets[0].Err, "CHANNEL_PRIVATE")
	assert.Equal(t, "deadchan", targets[0].SourceName)
	assert.NoError(t, targets[1].Err)
	assert.Equal(t, "alphacalls", targets[1].SourceName)
	assert.Equal(t, 3, raw.Len())

	assert.Equal(t, int64(5), cfg.Channels[0].OffsetID)
	assert.Equal(t, int64(12), cfg.Channels[1].OffsetID)
}

func TestCollect_SessionFailure(t *testing.T) {
	src := NewSource(&fakeBackend{err: ErrUnauthorized}, 0, zap.NewNop())
	_, err := src.Collect(context.Background(), &models.CollectorConfig{Channels: []models.ChatTarget{{ID: "1"}}})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStandardize(t *testing.T) {
	batch := &Batch{Results: []Result{
		{
			Target: collector.Target{SourceName: "alphacalls", CollectionType: collector.CollectionChannel},
			Chat:   Chat{ID: 42, Title: "Alpha Calls", Username: "alphacalls"},
			Items: []Item{
				{ID: 10, Date: base, Text: "$ABC listing soon", Views: 100, Forwards: 3, Replies: 1, AuthorID: "7", AuthorName: "max"},
				{ID: 11, Date: base, Text: ""},
				{ID: 12, Date: base, Text: "chart", HasMedia: true, MediaType: "messageMediaPhoto"},
			},
		},
		{
			Target: collector.Target{SourceName: "broken", CollectionType: collector.CollectionGroup, Err: errors.New("x")},
		},
		{
			Target: collector.Target{CollectionType: collector.CollectionGroup},
			Chat:   Chat{ID: 5},
			Items:  []Item{{ID: 1, Date: base, Text: "group chat"}},
		},
	}}

	msgs := Standardize(batch, 9, "fallback")
	require.Len(t, msgs, 3)

	first := msgs[0]
	assert.Equal(t, models.PlatformTelegram, first.Platform)
	assert.Equal(t, "10", first.SourceID)
	assert.Equal(t, "alphacalls", first.SourceName)
	assert.Equal(t, models.ContentHash("$ABC listing soon"), first.ContentHash)
	assert.Equal(t, int64(9), first.CollectorID)
	assert.Equal(t, "max", first.AuthorName)
	assert.Zero(t, first.AuthorFollowers)
	assert.Equal(t, 100, first.Metadata["views"])
	assert.Equal(t, false, first.Metadata["has_media"])
	assert.Nil(t, first.Metadata["media_type"])
	assert.Equal(t, int64(42), first.Metadata["channel_id"])
	assert.Equal(t, "channel", first.Metadata["collection_type"])

	assert.Equal(t, "messageMediaPhoto", msgs[1].Metadata["media_type"])
	assert.Equal(t, "fallback", msgs[2].SourceName)
	assert.Equal(t, "group", msgs[2].Metadata["collection_type"])
}

func TestStandardize_RejectsForeignBatch(t *testing.T) {
	src := NewSource(&fakeBackend{}, 0, zap.NewNop())
	_, err := src.Standardize(otherBatch{}, 1, "x")
	assert.Error(t, err)
}

type otherBatch struct{}

func (otherBatch) Platform() models.Platform    { return models.PlatformReddit }
func (otherBatch) Len() int                     { return 0 }
func (otherBatch) Targets() []collector.Target { return nil }
