package reddit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/transport"
)

const (
	DefaultBaseURL  = "https://oauth.reddit.com"
	DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"
	DefaultTimeout  = 30 * time.Second

	defaultLimit            = 100
	defaultSubredditFilter  = "day"
	defaultSearchTimeFilter = "all"
	defaultSearchSort       = "relevance"
	deletedAuthor           = "[deleted]"
)

// Post is the subset of a t3 listing child the pipeline keeps.
type Post struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	CreatedUTC  float64 `json:"created_utc"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	IsSelf      bool    `json:"is_self"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Subreddit   string  `json:"subreddit"`
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data Post   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type Result struct {
	collector.Target
	Posts []Post
}

type Batch struct {
	Results []Result
}

func (b *Batch) Platform() models.Platform { return models.PlatformReddit }

func (b *Batch) Len() int {
	n := 0
	for _, r := range b.Results {
		n += len(r.Posts)
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
	ClientID     string
	ClientSecret string
	UserAgent    string
	BaseURL      string
	TokenURL     string
	// Timeout bounds each subreddit or search, token exchange and retries
	// included.
	Timeout   time.Duration
	Transport transport.Config
}

// Source reads subreddit listings and searches with application-only OAuth.
type Source struct {
	cfg    Config
	logger *zap.Logger
}

func NewSource(cfg Config, logger *zap.Logger) (*Source, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: reddit client credentials are not set", collector.ErrConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "octopus/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Transport.UserAgent = cfg.UserAgent
	return &Source{cfg: cfg, logger: logger}, nil
}

func (s *Source) Type() models.Platform { return models.PlatformReddit }

// userAgent sets the header Reddit requires on every call, token exchange
// included.
type userAgent struct {
	agent string
	base  http.RoundTripper
}

func (t userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

func (s *Source) Collect(ctx context.Context, cfg *models.CollectorConfig) (collector.RawBatch, error) {
	base := &http.Client{
		Timeout:   s.cfg.Timeout,
		Transport: userAgent{agent: s.cfg.UserAgent, base: http.DefaultTransport},
	}
	creds := clientcredentials.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		TokenURL:     s.cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	httpClient := creds.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	// The oauth2 client only inherits base's transport.
	httpClient.Timeout = s.cfg.Timeout
	client := transport.New(httpClient, s.cfg.Transport, s.logger)

	batch := &Batch{}
	for _, sub := range cfg.Subreddits {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		batch.Results = append(batch.Results, s.collectSubreddit(tctx, client, sub))
		cancel()
	}
	for _, search := range cfg.Searches {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		batch.Results = append(batch.Results, s.collectSearch(tctx, client, search))
		cancel()
	}
	return batch, nil
}

func (s *Source) collectSubreddit(ctx context.Context, client *transport.Client, target models.SubredditTarget) Result {
	name := strings.TrimPrefix(target.Name, "r/")
	result := Result{Target: collector.Target{SourceName: "r/" + name, CollectionType: collector.CollectionSubreddit}}

	timeFilter := target.TimeFilter
	if timeFilter == "" {
		timeFilter = defaultSubredditFilter
	}
	query := url.Values{
		"limit":    {strconv.Itoa(limitOr(target.Limit))},
		"t":        {timeFilter},
		"raw_json": {"1"},
	}

	var l listing
	if err := client.GetJSON(ctx, s.cfg.BaseURL+"/r/"+url.PathEscape(name)+"/hot", query, &l); err != nil {
		result.Err = fmt.Errorf("failed to list subreddit: %w", err)
		return result
	}
	result.Posts = posts(l)
	s.logger.Info("Collected posts from subreddit", zap.String("subreddit", name), zap.Int("count", len(result.Posts)))
	return result
}

func (s *Source) collectSearch(ctx context.Context, client *transport.Client, target models.SearchTarget) Result {
	result := Result{Target: collector.Target{
		SourceName:     "search:" + target.Query,
		CollectionType: collector.CollectionSearch,
		Query:          target.Query,
	}}

	limit := target.Limit
	if limit <= 0 {
		limit = target.Count
	}
	sort := target.Sort
	if sort == "" {
		sort = defaultSearchSort
	}
	timeFilter := target.TimeFilter
	if timeFilter == "" {
		timeFilter = defaultSearchTimeFilter
	}
	query := url.Values{
		"q":        {target.Query},
		"sort":     {sort},
		"t":        {timeFilter},
		"limit":    {strconv.Itoa(limitOr(limit))},
		"raw_json": {"1"},
	}

	var l listing
	if err := client.GetJSON(ctx, s.cfg.BaseURL+"/r/all/search", query, &l); err != nil {
		result.Err = fmt.Errorf("failed to search: %w", err)
		return result
	}
	result.Posts = posts(l)
	s.logger.Info("Collected posts for search", zap.String("query", target.Query), zap.Int("count", len(result.Posts)))
	return result
}

func posts(l listing) []Post {
	out := make([]Post, 0, len(l.Data.Children))
	for _, c := range l.Data.Children {
		if c.Kind == "t3" {
			out = append(out, c.Data)
		}
	}
	return out
}

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > 100 {
		return 100
	}
	return n
}

func (s *Source) Standardize(batch collector.RawBatch, collectorID int64, defaultSourceName string) ([]*models.Message, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return nil, collector.BatchTypeError(models.PlatformReddit, batch)
	}
	return Standardize(b, collectorID, defaultSourceName), nil
}

// Standardize maps posts onto messages. The content is the title and the
// self text separated by a blank line; posts with neither are skipped.
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
		for _, post := range r.Posts {
			if post.Title == "" && post.Selftext == "" {
				continue
			}
			content := post.Title + "\n\n" + post.Selftext
			author := post.Author
			if author == "" {
				author = deletedAuthor
			}
			var query any
			if r.CollectionType == collector.CollectionSearch {
				query = r.Query
			}
			sec, frac := math.Modf(post.CreatedUTC)

			msgs = append(msgs, &models.Message{
				Platform:    models.PlatformReddit,
				SourceID:    post.ID,
				SourceName:  sourceName,
				Content:     content,
				ContentHash: models.ContentHash(content),
				Timestamp:   time.Unix(int64(sec), int64(frac*1e9)).UTC(),
				AuthorID:    author,
				AuthorName:  author,
				Metadata: models.Metadata{
					"score":           post.Score,
					"upvote_ratio":    post.UpvoteRatio,
					"num_comments":    post.NumComments,
					"is_self":         post.IsSelf,
					"url":             post.URL,
					"permalink":       post.Permalink,
					"subreddit":       post.Subreddit,
					"collection_type": r.CollectionType,
					"query":           query,
				},
				CollectorID: collectorID,
			})
		}
	}
	return msgs
}
