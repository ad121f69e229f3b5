package reddit

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

const hotFixture = `{"kind":"Listing","data":{"children":[
 {"kind":"t3","data":{"id":"abc1","title":"ABC airdrop live","selftext":"claim before friday","author":"moonboy",
  "created_utc":1717236000.0,"score":42,"upvote_ratio":0.93,"num_comments":7,"is_self":true,
  "url":"https://reddit.com/r/CryptoMoonShots/abc1","permalink":"/r/CryptoMoonShots/comments/abc1/","subreddit":"CryptoMoonShots"}},
 {"kind":"t3","data":{"id":"abc2","title":"","selftext":"","author":"x","created_utc":1717236000.0}},
 {"kind":"t1","data":{"id":"comment"}}
]}}`

const searchFixture = `{"kind":"Listing","data":{"children":[
 {"kind":"t3","data":{"id":"s1","title":"Is $PEPE dead?","selftext":"","author":"","created_utc":1717236001.5,"subreddit":"CryptoCurrency"}}
]}}`

func newRedditServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "octopus-test", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/api/v1/access_token":
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "id", user)
			assert.Equal(t, "secret", pass)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
		case "/r/CryptoMoonShots/hot":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "25", r.URL.Query().Get("limit"))
			w.Write([]byte(hotFixture))
		case "/r/all/search":
			assert.Equal(t, "relevance", r.URL.Query().Get("sort"))
			assert.Equal(t, "all", r.URL.Query().Get("t"))
			w.Write([]byte(searchFixture))
		case "/r/private/hot":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestCollectAndStandardize(t *testing.T) {
	srv := newRedditServer(t)
	defer srv.Close()

	src, err := NewSource(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		UserAgent:    "octopus-test",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/api/v1/access_token",
		Transport:    transport.Config{BaseDelay: time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)

	cfg := &models.CollectorConfig{
		Subreddits: []models.SubredditTarget{{Name: "CryptoMoonShots", Limit: 25}, {Name: "private"}},
		Searches:   []models.SearchTarget{{Query: "$PEPE"}},
	}
	raw, err := src.Collect(context.Background(), cfg)
	require.NoError(t, err)

	targets := raw.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, "r/CryptoMoonShots", targets[0].SourceName)
	assert.NoError(t, targets[0].Err)
	assert.Error(t, targets[1].Err)
	assert.Equal(t, "search:$PEPE", targets[2].SourceName)

	msgs, err := src.Standardize(raw, 4, "reddit")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	post := msgs[0]
	assert.Equal(t, "ABC airdrop live\n\nclaim before friday", post.Content)
	assert.Equal(t, models.ContentHash(post.Content), post.ContentHash)
	assert.Equal(t, "abc1", post.SourceID)
	assert.Equal(t, "moonboy", post.AuthorName)
	assert.Equal(t, 42, post.Metadata["score"])
	assert.Equal(t, "subreddit", post.Metadata["collection_type"])
	assert.Nil(t, post.Metadata["query"])
	assert.Equal(t, time.Unix(1717236000, 0).UTC(), post.Timestamp)

	search := msgs[1]
	assert.Equal(t, "Is $PEPE dead?\n\n", search.Content)
	assert.Equal(t, "[deleted]", search.AuthorID)
	assert.Equal(t, "$PEPE", search.Metadata["query"])
	assert.Equal(t, time.Unix(1717236001, 500_000_000).UTC(), search.Timestamp)
}

func TestNewSource_RequiresCredentials(t *testing.T) {
	_, err := NewSource(Config{ClientID: "id"}, zap.NewNop())
	assert.ErrorIs(t, err, collector.ErrConfig)
}

func TestCollect_StalledListingFailsAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/access_token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
			return
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	src, err := NewSource(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/api/v1/access_token",
		Timeout:      100 * time.Millisecond,
		Transport:    transport.Config{MaxRetries: 0, BaseDelay: time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	raw, err := src.Collect(context.Background(), &models.CollectorConfig{
		Subreddits: []models.SubredditTarget{{Name: "CryptoMoonShots"}},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	batch := raw.(*Batch)
	require.Len(t, batch.Results, 1)
	assert.Error(t, batch.Results[0].Err)
	assert.Empty(t, batch.Results[0].Posts)
}
