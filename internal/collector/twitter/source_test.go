package twitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/transport"
)

const timelineFixture = `{
  "data": [
    {"id": "1790000000000000002", "text": "$PEPE breaking out #memecoin", "author_id": "77",
     "created_at": "2024-06-01T10:00:00.000Z",
     "public_metrics": {"retweet_count": 4, "reply_count": 1, "like_count": 20, "quote_count": 0},
     "entities": {"hashtags": [{"tag": "memecoin"}], "urls": [{"expanded_url": "https://example.com/x"}], "mentions": [{"username": "frog"}]}},
    {"id": "1790000000000000001", "text": "RT @frog: gm", "author_id": "77",
     "created_at": "2024-06-01T09:00:00.000Z",
     "referenced_tweets": [{"type": "retweeted", "id": "5"}]}
  ],
  "includes": {"users": [{"id": "77", "username": "cryptokid", "name": "Kid", "profile_image_url": "https://img/kid.png", "public_metrics": {"followers_count": 1500}}]},
  "meta": {"newest_id": "1790000000000000002", "result_count": 2}
}`

const searchFixture = `{
  "data": [{"id": "9", "text": "", "author_id": "1", "created_at": "2024-06-01T10:00:00Z"},
           {"id": "10", "text": "who is buying $ABC", "author_id": "1", "created_at": "2024-06-01T10:00:00Z"}],
  "includes": {"users": [{"id": "1", "username": "anon"}]},
  "meta": {"newest_id": "10", "result_count": 2}
}`

func newTwitterServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/2/users/by/username/cryptokid":
			w.Write([]byte(`{"data": {"id": "77", "username": "cryptokid"}}`))
		case "/2/users/77/tweets":
			assert.Equal(t, "1789", r.URL.Query().Get("since_id"))
			assert.Equal(t, "50", r.URL.Query().Get("max_results"))
			w.Write([]byte(timelineFixture))
		case "/2/tweets/search/recent":
			assert.Equal(t, "$ABC lang:en", r.URL.Query().Get("query"))
			assert.Equal(t, "recency", r.URL.Query().Get("sort_order"))
			w.Write([]byte(searchFixture))
		case "/2/users/by/username/ghost":
			http.Error(w, `{"title":"Not Found"}`, http.StatusNotFound)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestSource(t *testing.T, baseURL string) *Source {
	t.Helper()
	src, err := NewSource(Config{
		BearerToken: "secret",
		BaseURL:     baseURL,
		Transport:   transport.Config{MaxRetries: 0, BaseDelay: time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)
	return src
}

func TestCollect_UsersAndSearches(t *testing.T) {
	srv := newTwitterServer(t)
	defer srv.Close()
	src := newTestSource(t, srv.URL)

	since := "1789"
	lang := "en"
	cfg := &models.CollectorConfig{
		Users:    []models.UserTarget{{Username: "cryptokid", Count: 50, SinceID: &since}, {Username: "ghost"}},
		Searches: []models.SearchTarget{{Query: "$ABC", Lang: &lang}},
	}

	raw, err := src.Collect(context.Background(), cfg)
	require.NoError(t, err)
	targets := raw.Targets()
	require.Len(t, targets, 3)
	assert.NoError(t, targets[0].Err)
	assert.Error(t, targets[1].Err)
	assert.Equal(t, "search:$ABC", targets[2].SourceName)

	require.NotNil(t, cfg.Users[0].SinceID)
	assert.Equal(t, "1790000000000000002", *cfg.Users[0].SinceID)
	assert.Nil(t, cfg.Users[1].SinceID)

	msgs, err := src.Standardize(raw, 3, "tw")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	first := msgs[0]
	assert.Equal(t, "cryptokid", first.SourceName)
	assert.Equal(t, "cryptokid", first.AuthorName)
	assert.Equal(t, 1500, first.AuthorFollowers)
	assert.Equal(t, 20, first.Metadata["favorite_count"])
	assert.Equal(t, []string{"memecoin"}, first.Metadata["hashtags"])
	assert.Equal(t, []string{"frog"}, first.Metadata["user_mentions"])
	assert.Equal(t, "https://img/kid.png", first.Metadata["profile_image"])
	assert.Equal(t, false, first.Metadata["is_retweet"])
	assert.Nil(t, first.Metadata["query"])
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), first.Timestamp)

	assert.Equal(t, true, msgs[1].Metadata["is_retweet"])

	search := msgs[2]
	assert.Equal(t, "search:$ABC", search.SourceName)
	assert.Equal(t, "$ABC", search.Metadata["query"])
	assert.Equal(t, "search", search.Metadata["collection_type"])
	assert.Zero(t, search.AuthorFollowers)
}

func TestNewSource_RequiresToken(t *testing.T) {
	_, err := NewSource(Config{}, zap.NewNop())
	assert.ErrorIs(t, err, collector.ErrConfig)
}

func TestNewestID(t *testing.T) {
	resp := tweetsResponse{Data: []Tweet{{ID: "99"}, {ID: "100"}, {ID: "98"}}}
	assert.Equal(t, "100", newestID(resp))
}

func TestCollect_StalledTargetFailsAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	src, err := NewSource(Config{
		BearerToken: "secret",
		BaseURL:     srv.URL,
		Timeout:     100 * time.Millisecond,
		Transport:   transport.Config{MaxRetries: 0, BaseDelay: time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	raw, err := src.Collect(context.Background(), &models.CollectorConfig{
		Users:    []models.UserTarget{{Username: "cryptokid"}},
		Searches: []models.SearchTarget{{Query: "$ABC"}},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	batch := raw.(*Batch)
	require.Len(t, batch.Results, 2)
	for _, r := range batch.Results {
		assert.Error(t, r.Err, r.SourceName)
		assert.Empty(t, r.Tweets)
	}
}

func TestNewSource_DefaultTimeout(t *testing.T) {
	src, err := NewSource(Config{BearerToken: "secret"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, src.cfg.Timeout)
}
