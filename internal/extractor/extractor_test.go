package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/classifier"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
)

type fakeRecognizer struct {
	entities []classifier.Entity
	err      error
	calls    int
}

func (f *fakeRecognizer) Recognize(ctx context.Context, text string) ([]classifier.Entity, error) {
	f.calls++
	return f.entities, f.err
}

const abcAddress = "0xAbC0000000000000000000000000000000000001"

func seedTokens(t *testing.T, store *storage.MemoryStorage) (abc, pepe *models.Token) {
	t.Helper()
	ctx := context.Background()
	abc = &models.Token{Name: "Alphabet Coin", Symbol: "ABC", Address: abcAddress, Chain: "ethereum"}
	pepe = &models.Token{Name: "Pepe", Symbol: "PEPE", Address: "0xpepe00000000000000000000000000000000002", Chain: "ethereum"}
	require.NoError(t, store.AddToken(ctx, abc))
	require.NoError(t, store.AddToken(ctx, pepe))
	return abc, pepe
}

func seedMessages(t *testing.T, store *storage.MemoryStorage, collectorID int64, texts ...string) []*models.Message {
	t.Helper()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	msgs := make([]*models.Message, 0, len(texts))
	for i, text := range texts {
		msgs = append(msgs, &models.Message{
			Platform:    models.PlatformTelegram,
			Content:     text,
			ContentHash: models.ContentHash(text),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			CollectorID: collectorID,
		})
	}
	_, err := store.InsertMessages(context.Background(), msgs)
	require.NoError(t, err)
	return msgs
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"", LangUnknown},
		{"gm frens", LangEnglish},
		{"比特币要涨了 btc", LangChinese},
		{"ab 比特币", LangChinese},
		{"abcd 比特", LangEnglish},
		{"12345 !!", LangEnglish},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLanguage(tt.text))
		})
	}
}

func TestExtract_SymbolTag(t *testing.T) {
	store := storage.NewMemoryStorage()
	abc, _ := seedTokens(t, store)
	e := New(store, nil, nil, zap.NewNop())

	got := e.Extract(context.Background(), &models.Message{Content: "loading up on $abc today"}, []*models.Token{abc})
	require.Len(t, got, 1)
	assert.Equal(t, abc.ID, got[0].TokenID)
	assert.GreaterOrEqual(t, got[0].Confidence, 0.9)
}

func TestExtract_SharedSymbolResolvesToLastToken(t *testing.T) {
	e := New(storage.NewMemoryStorage(), nil, nil, zap.NewNop())
	first := &models.Token{ID: 1, Name: "Abc Classic", Symbol: "ABC", Address: "0x01", Chain: "ethereum"}
	second := &models.Token{ID: 2, Name: "Abc Bridged", Symbol: "abc", Address: "0x02", Chain: "base"}

	got := e.Extract(context.Background(), &models.Message{Content: "$ABC to the moon"}, []*models.Token{first, second})
	assert.Equal(t, []Candidate{{TokenID: second.ID, Confidence: ConfidenceSymbol, Signal: SignalSymbol}}, got)
}

func TestExtract_AddressIsNeverSuperseded(t *testing.T) {
	store := storage.NewMemoryStorage()
	abc, pepe := seedTokens(t, store)
	rec := &fakeRecognizer{entities: []classifier.Entity{{Text: "alphabet coin", Label: classifier.LabelOrg}}}
	e := New(store, Recognizers{LangEnglish: rec}, nil, zap.NewNop())

	msg := &models.Message{Content: "$ABC Alphabet Coin contract " + abcAddress}
	got := e.Extract(context.Background(), msg, []*models.Token{abc, pepe})

	require.Len(t, got, 1)
	assert.Equal(t, Candidate{TokenID: abc.ID, Confidence: ConfidenceAddress, Signal: SignalAddress}, got[0])
	assert.Equal(t, 1, rec.calls)
}

func TestExtract_AddressMatchIsCaseInsensitive(t *testing.T) {
	store := storage.NewMemoryStorage()
	abc, _ := seedTokens(t, store)
	e := New(store, nil, nil, zap.NewNop())

	got := e.Extract(context.Background(), &models.Message{Content: "ca: 0xabc0000000000000000000000000000000000001"}, []*models.Token{abc})
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Confidence)
}

func TestExtract_KeepsHighestAndFirstDiscoveryOrder(t *testing.T) {
	store := storage.NewMemoryStorage()
	abc, pepe := seedTokens(t, store)
	rec := &fakeRecognizer{entities: []classifier.Entity{
		{Text: "Pepe", Label: classifier.LabelProduct},
		{Text: "Alphabet Coin", Label: "PERSON"},
	}}
	e := New(store, Recognizers{LangEnglish: rec}, nil, zap.NewNop())

	msg := &models.Message{Content: "Pepe is up, $ABC $abc too"}
	got := e.Extract(context.Background(), msg, []*models.Token{abc, pepe})

	assert.Equal(t, []Candidate{
		{TokenID: abc.ID, Confidence: ConfidenceSymbol, Signal: SignalSymbol},
		{TokenID: pepe.ID, Confidence: ConfidenceName, Signal: SignalName},
	}, got)
}

func TestExtract_EntitySignalWithoutSubstring(t *testing.T) {
	store := storage.NewMemoryStorage()
	_, pepe := seedTokens(t, store)
	// Recognizers may normalize entity text; a match on the name alone
	// scores as an entity.
	rec := &fakeRecognizer{entities: []classifier.Entity{{Text: "PEPE", Label: classifier.LabelOrg}}}
	e := New(store, Recognizers{LangEnglish: rec}, nil, zap.NewNop())

	got := e.Extract(context.Background(), &models.Message{Content: "the frog coin pumps"}, []*models.Token{pepe})
	assert.Equal(t, []Candidate{{TokenID: pepe.ID, Confidence: ConfidenceEntity, Signal: SignalEntity}}, got)
}

func TestExtract_RecognizerPerLanguage(t *testing.T) {
	store := storage.NewMemoryStorage()
	abc, _ := seedTokens(t, store)
	en := &fakeRecognizer{}
	e := New(store, Recognizers{LangEnglish: en}, nil, zap.NewNop())

	got := e.Extract(context.Background(), &models.Message{Content: "比特币 $ABC"}, []*models.Token{abc})
	require.Len(t, got, 1)
	assert.Zero(t, en.calls)
}

func TestExtract_RecognizerFailureDisablesSignalOnly(t *testing.T) {
	store := storage.NewMemoryStorage()
	_, pepe := seedTokens(t, store)
	rec := &fakeRecognizer{err: errors.New("model unavailable")}
	e := New(store, Recognizers{LangEnglish: rec}, nil, zap.NewNop())

	got := e.Extract(context.Background(), &models.Message{Content: "pepe season"}, []*models.Token{pepe})
	assert.Equal(t, []Candidate{{TokenID: pepe.ID, Confidence: ConfidenceName, Signal: SignalName}}, got)
}

func TestExtract_EmptyContent(t *testing.T) {
	store := storage.NewMemoryStorage()
	abc, _ := seedTokens(t, store)
	e := New(store, nil, nil, zap.NewNop())

	assert.Empty(t, e.Extract(context.Background(), &models.Message{}, []*models.Token{abc}))
}

func TestProcess_SavesOnceAndSkipsProcessed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	abc, _ := seedTokens(t, store)
	msgs := seedMessages(t, store, 1, "$ABC to the moon")
	e := New(store, nil, nil, zap.NewNop())

	stats, err := e.Process(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Messages: 1, WithMentions: 1, Mentions: 1}, stats)

	stats, err = e.Process(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	mentions, err := store.ListMentions(ctx, msgs[0].ID)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, abc.ID, mentions[0].TokenID)
	assert.True(t, mentions[0].IsValid)
}

func TestProcess_MissingMessage(t *testing.T) {
	e := New(storage.NewMemoryStorage(), nil, nil, zap.NewNop())

	stats, err := e.Process(context.Background(), 999)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestReprocess_DoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedTokens(t, store)
	msgs := seedMessages(t, store, 1, "$ABC and $PEPE")
	e := New(store, nil, nil, zap.NewNop())

	_, err := e.Process(ctx, msgs[0].ID)
	require.NoError(t, err)

	stats, err := e.Reprocess(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Messages: 1}, stats)

	n, err := store.CountMentions(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProcessUnprocessed_MessagesWithoutMentionsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedTokens(t, store)
	seedMessages(t, store, 1, "nothing to see", "$PEPE", "gm")
	e := New(store, nil, nil, zap.NewNop())

	stats, err := e.ProcessUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Stats{Messages: 3, WithMentions: 1, Mentions: 1}, stats)

	stats, err = e.ProcessUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestProcessCollectorMessages_OnlyThatCollector(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedTokens(t, store)
	mine := seedMessages(t, store, 1, "$ABC one")
	other := seedMessages(t, store, 2, "$ABC two")
	e := New(store, nil, nil, zap.NewNop())

	stats, err := e.ProcessCollectorMessages(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Messages)

	n, err := store.CountMentions(ctx, mine[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.CountMentions(ctx, other[0].ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessAll_Batches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedTokens(t, store)
	seedMessages(t, store, 1, "$ABC a", "$ABC b", "$ABC c", "$ABC d", "$ABC e")
	e := New(store, nil, nil, zap.NewNop())

	stats, err := e.ProcessAll(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Messages)

	stats, err = e.ProcessAll(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, Stats{Messages: 1, WithMentions: 1, Mentions: 1}, stats)
}
