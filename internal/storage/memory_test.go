package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/octopus/internal/models"
)

func TestMemoryStorage_UnprocessedSkipsProcessedAndMentioned(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	msgs := []*models.Message{
		{Content: "old", ContentHash: models.ContentHash("old"), Timestamp: base, CollectorID: 1},
		{Content: "new", ContentHash: models.ContentHash("new"), Timestamp: base.Add(time.Hour), CollectorID: 1},
		{Content: "other", ContentHash: models.ContentHash("other"), Timestamp: base, CollectorID: 2},
	}
	n, err := s.InsertMessages(ctx, msgs)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	pending, err := s.UnprocessedMessages(ctx, UnprocessedFilter{CollectorID: 1})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "new", pending[0].Content)

	_, err = s.SaveExtraction(ctx, msgs[1].ID, nil)
	require.NoError(t, err)

	pending, err = s.UnprocessedMessages(ctx, UnprocessedFilter{CollectorID: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].Content)

	pending, err = s.UnprocessedMessages(ctx, UnprocessedFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMemoryStorage_SaveExtractionSkipsStoredPairs(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	msg := &models.Message{Content: "x", ContentHash: models.ContentHash("x")}
	_, err := s.InsertMessages(ctx, []*models.Message{msg})
	require.NoError(t, err)

	saved, err := s.SaveExtraction(ctx, msg.ID, []*models.Mention{{TokenID: 1, Confidence: 1, IsValid: true}})
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	saved, err = s.SaveExtraction(ctx, msg.ID, []*models.Mention{{TokenID: 1, Confidence: 0.9, IsValid: true}})
	require.NoError(t, err)
	assert.Zero(t, saved)

	count, err := s.CountMentions(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.SaveExtraction(ctx, 12345, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_FindCollectorByRunMessage(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	c := &models.Collector{Name: "tg", Type: models.PlatformTelegram, IsActive: true}
	require.NoError(t, s.AddCollector(ctx, c))
	assert.Equal(t, models.StatusIdle, c.LastRunStatus)

	require.NoError(t, s.SetRunMessage(ctx, c.ID, "Task ID: abc"))

	found, err := s.FindCollectorByRunMessage(ctx, "Task ID: abc")
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)

	_, err = s.FindCollectorByRunMessage(ctx, "Task ID: zzz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetRunMessage(ctx, 999, "x"), ErrNotFound)
}

func TestMemoryStorage_AddTokenUniqueByAddressAndChain(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	a := &models.Token{Name: "Pepe", Symbol: "PEPE", Address: "0xABC", Chain: "ethereum"}
	b := &models.Token{Name: "Pepe copy", Symbol: "PEPE", Address: "0xabc", Chain: "ethereum"}
	c := &models.Token{Name: "Pepe bsc", Symbol: "PEPE", Address: "0xabc", Chain: "bsc"}
	require.NoError(t, s.AddToken(ctx, a))
	require.NoError(t, s.AddToken(ctx, b))
	require.NoError(t, s.AddToken(ctx, c))

	assert.Equal(t, a.ID, b.ID)
	tokens, err := s.ListTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}
