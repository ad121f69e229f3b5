package twitter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/transport"
)

const (
	DefaultBaseURL = "https://api.twitter.com"
	DefaultTimeout = 30 * time.Second
	defaultCount   = 100

	tweetFields = "created_at,public_metrics,entities,referenced_tweets,author_id"
	userFields  = "public_metrics,profile_image_url"
)

type Tweet struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	AuthorID         string    `json:"author_id"`
	CreatedAt        time.Time `json:"created_at"`
	PublicMetrics    Metrics   `json:"public_metrics"`
	Entities         Entities  `json:"entities"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type Metrics struct {
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	LikeCount    int `json:"like_count"`
	QuoteCount   int `json:"quote_count"`
}

type Entities struct {
	Hashtags []struct {
		Tag string `json:"tag"`
	} `json:"hashtags"`
	URLs []struct {
		ExpandedURL string `json:"expanded_url"`
	} `json:"urls"`
	Mentions []struct {
		Username string `json:"username"`
	} `json:"mentions"`
}

type User struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profile_image_url"`
	PublicMetrics   struct {
		FollowersCount int `json:"followers_count"`
	} `json:"public_metrics"`
}

type tweetsResponse struct {
	Data     []Tweet `json:"data"`
	Includes struct {
		Users []User `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// Result is the output of one user timeline or search.
type Result struct {
	collector.Target
	Tweets []Tweet
	Users  map[string]User
}

type Batch struct {
	Results []Result
}

func (b *Batch) Platform() models.Platform { return models.PlatformTwitter }

func (b *Batch) Len() int {
	n := 0
	for _, r := range b.Results {
		n += len(r.Tweets)
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

type Config struct {
	BearerToken string
	BaseURL     string
	// Timeout bounds each user or search, retries included.
	Timeout   time.Duration
	Transport transport.Config
}

// Source reads the Twitter API v2 with app-only bearer authentication.
type Source struct {
	cfg    Config
	logger *zap.Logger
}

func NewSource(cfg Config, logger *zap.Logger) (*Source, error) {
	if cfg.BearerToken == "" {
		return nil, fmt.Errorf("%w: twitter bearer token is not set", collector.ErrConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Source{cfg: cfg, logger: logger}, nil
}

func (s *Source) Type() models.Platform { return models.PlatformTwitter }

func (s *Source) Collect(ctx context.Context, cfg *models.CollectorConfig) (collector.RawBatch, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: s.cfg.BearerToken,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = s.cfg.Timeout
	client := transport.New(httpClient, s.cfg.Transport, s.logger)

	batch := &Batch{}
	for i := range cfg.Users {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		batch.Results = append(batch.Results, s.collectUser(tctx, client, &cfg.Users[i]))
		cancel()
	}
	for i := range cfg.Searches {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		batch.Results = append(batch.Results, s.collectSearch(tctx, client, cfg.Searches[i]))
		cancel()
	}
	return batch, nil
}

func (s *Source) collectUser(ctx context.Context, client *transport.Client, target *models.UserTarget) Result {
	result := Result{Target: collector.Target{SourceName: target.Username, CollectionType: collector.CollectionUser}}
	username := strings.TrimPrefix(target.Username, "@")

	var lookup struct {
		Data User `json:"data"`
	}
	err := client.GetJSON(ctx, s.cfg.BaseURL+"/2/users/by/username/"+url.PathEscape(username),
		url.Values{"user.fields": {userFields}}, &lookup)
	if err != nil {
		result.Err = fmt.Errorf("failed to look up user: %w", err)
		return result
	}
	if lookup.Data.ID == "" {
		result.Err = fmt.Errorf("user %s not found", username)
		return result
	}

	query := url.Values{
		"max_results":  {strconv.Itoa(clamp(countOr(target.Count), 5, 100))},
		"tweet.fields": {tweetFields},
		"expansions":   {"author_id"},
		"user.fields":  {userFields},
	}
	if target.SinceID != nil && *target.SinceID != "" {
		query.Set("since_id", *target.SinceID)
	}

	var resp tweetsResponse
	if err := client.GetJSON(ctx, s.cfg.BaseURL+"/2/users/"+lookup.Data.ID+"/tweets", query, &resp); err != nil {
		result.Err = fmt.Errorf("failed to get timeline: %w", err)
		return result
	}

	result.Tweets = resp.Data
	result.Users = indexUsers(resp.Includes.Users, lookup.Data)
	if newest := newestID(resp); newest != "" {
		target.SinceID = &newest
	}
	s.logger.Info("Collected tweets from user", zap.String("username", username), zap.Int("count", len(resp.Data)))
	return result
}

func (s *Source) collectSearch(ctx context.Context, client *transport.Client, target models.SearchTarget) Result {
	result := Result{Target: collector.Target{
		SourceName:     "search:" + target.Query,
		CollectionType: collector.CollectionSearch,
		Query:          target.Query,
	}}

	q := target.Query
	if target.Lang != nil && *target.Lang != "" {
		q += " lang:" + *target.Lang
	}
	query := url.Values{
		"query":        {q},
		"max_results":  {strconv.Itoa(clamp(countOr(target.Count), 10, 100))},
		"tweet.fields": {tweetFields},
		"expansions":   {"author_id"},
		"user.fields":  {userFields},
	}
	switch target.ResultType {
	case "popular":
		query.Set("sort_order", "relevancy")
	case "", "recent":
		query.Set("sort_order", "recency")
	}

	var resp tweetsResponse
	if err := client.GetJSON(ctx, s.cfg.BaseURL+"/2/tweets/search/recent", query, &resp); err != nil {
		result.Err = fmt.Errorf("failed to search: %w", err)
		return result
	}
	result.Tweets = resp.Data
	result.Users = indexUsers(resp.Includes.Users)
	s.logger.Info("Collected tweets for search", zap.String("query", target.Query), zap.Int("count", len(resp.Data)))
	return result
}

func (s *Source) Standardize(batch collector.RawBatch, collectorID int64, defaultSourceName string) ([]*models.Message, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, collector.BatchTypeError(models.PlatformTwitter, batch)
	}
	return Standardize(b, collectorID, defaultSourceName), nil
}

// Standardize maps tweets onto messages. Author details come from the
// expanded users of the same result.
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
		for _, tweet := range r.Tweets {
			if tweet.Text == "" {
				continue
			}
			author := r.Users[tweet.AuthorID]

			hashtags := make([]string, 0, len(tweet.Entities.Hashtags))
			for _, h := range tweet.Entities.Hashtags {
				hashtags = append(hashtags, h.Tag)
			}
			urls := make([]string, 0, len(tweet.Entities.URLs))
			for _, u := range tweet.Entities.URLs {
				urls = append(urls, u.ExpandedURL)
			}
			mentions := make([]string, 0, len(tweet.Entities.Mentions))
			for _, m := range tweet.Entities.Mentions {
				mentions = append(mentions, m.Username)
			}
			isRetweet := false
			for _, ref := range tweet.ReferencedTweets {
				if ref.Type == "retweeted" {
					isRetweet = true
				}
			}
			var query any
			if r.CollectionType == collector.CollectionSearch {
				query = r.Query
			}

			msgs = append(msgs, &models.Message{
				Platform:        models.PlatformTwitter,
				SourceID:        tweet.ID,
				SourceName:      sourceName,
				Content:         tweet.Text,
				ContentHash:     models.ContentHash(tweet.Text),
				Timestamp:       tweet.CreatedAt.UTC(),
				AuthorID:        tweet.AuthorID,
				AuthorName:      author.Username,
				AuthorFollowers: author.PublicMetrics.FollowersCount,
				Metadata: models.Metadata{
					"retweet_count":   tweet.PublicMetrics.RetweetCount,
					"favorite_count":  tweet.PublicMetrics.LikeCount,
					"is_retweet":      isRetweet,
					"hashtags":        hashtags,
					"urls":            urls,
					"user_mentions":   mentions,
					"profile_image":   author.ProfileImageURL,
					"collection_type": r.CollectionType,
					"query":           query,
				},
				CollectorID: collectorID,
			})
		}
	}
	return msgs
}

func indexUsers(users []User, extra ...User) map[string]User {
	out := make(map[string]User, len(users)+len(extra))
	for _, u := range extra {
		out[u.ID] = u
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out
}

// newestID prefers the API's own newest_id and falls back to the largest
// tweet id. Snowflake ids compare numerically, so longer strings are newer.
func newestID(resp tweetsResponse) string {
	newest := resp.Meta.NewestID
	for _, t := range resp.Data {
		if len(t.ID) > len(newest) || (len(t.ID) == len(newest) && t.ID > newest) {
			newest = t.ID
		}
	}
	return newest
}

func countOr(n int) int {
	if n <= 0 {
		return defaultCount
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
