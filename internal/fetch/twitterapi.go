package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "postwatch/pkg/logx"
)

const (
	ModeLastTweets     = "last_tweets"
	ModeAdvancedSearch = "advanced_search"

	// createdAt layout, e.g. "Tue Dec 10 07:00:30 +0000 2024"
	createdAtLayout  = "Mon Jan 02 15:04:05 -0700 2006"
	searchTimeLayout = "2006-01-02_15:04:05_UTC"
)

type TwitterAPIConfig struct {
	APIKey      string
	BaseURL     string
	Mode        string
	MinInterval time.Duration
	Timeout     time.Duration
	// Window is the advanced_search look-back.
	Window time.Duration
}

// TwitterAPI queries twitterapi.io. Each FetchRecent is a single request;
// failures are classified, never retried here.
type TwitterAPI struct {
	cfg     TwitterAPIConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

func NewTwitterAPI(cfg TwitterAPIConfig, log logx.Logger) (*TwitterAPI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("twitterapi api_key is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twitterapi.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeLastTweets
	case ModeLastTweets, ModeAdvancedSearch:
	default:
		return nil, fmt.Errorf("unknown twitterapi mode %q", cfg.Mode)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TwitterAPI{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		log:     log,
		now:     time.Now,
	}, nil
}

type apiTweet struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

type lastTweetsResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Unavailable       bool       `json:"unavailable"`
		UnavailableReason string     `json:"unavailableReason"`
		Tweets            []apiTweet `json:"tweets"`
	} `json:"data"`
}

type searchResponse struct {
	Tweets []apiTweet `json:"tweets"`
}

func (c *TwitterAPI) FetchRecent(ctx context.Context, account string) ([]Post, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportErr(account, err)
	}

	var endpoint string
	q := url.Values{}
	switch c.cfg.Mode {
	case ModeAdvancedSearch:
		until := c.now().UTC()
		since := until.Add(-c.cfg.Window)
		endpoint = c.cfg.BaseURL + "/twitter/tweet/advanced_search"
		q.Set("query", fmt.Sprintf("from:%s since:%s until:%s include:nativeretweets",
			account, since.Format(searchTimeLayout), until.Format(searchTimeLayout)))
		q.Set("queryType", "Latest")
	default:
		endpoint = c.cfg.BaseURL + "/twitter/user/last_tweets"
		q.Set("userName", account)
		q.Set("cursor", "")
		q.Set("includeReplies", "false")
	}

	body, err := c.get(ctx, account, endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var tweets []apiTweet
	if c.cfg.Mode == ModeAdvancedSearch {
		var r searchResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, transportErr(account, fmt.Errorf("decode search response: %w", err))
		}
		tweets = r.Tweets
	} else {
		var r lastTweetsResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, transportErr(account, fmt.Errorf("decode last_tweets response: %w", err))
		}
		if r.Data.Unavailable {
			return nil, notFoundErr(account, fmt.Errorf("unavailable: %s", r.Data.UnavailableReason))
		}
		if strings.EqualFold(r.Status, "error") {
			return nil, transportErr(account, fmt.Errorf("api error: %s", r.Message))
		}
		tweets = r.Data.Tweets
	}

	posts := make([]Post, 0, len(tweets))
	for _, t := range tweets {
		if t.ID == "" {
			continue
		}
		p := Post{ID: t.ID, URL: t.URL, Text: t.Text}
		if p.URL == "" {
			p.URL = "https://x.com/" + account + "/status/" + t.ID
		}
		if ts, err := time.Parse(createdAtLayout, t.CreatedAt); err == nil {
			p.PostedAt = ts
		} else {
			// leaves the age unknown, which the engine treats as not recent
			c.log.Debug("unparseable createdAt", logx.Account(account), logx.String("created_at", t.CreatedAt))
			p.Posted = t.CreatedAt
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func (c *TwitterAPI) get(ctx context.Context, account, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, transportErr(account, err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportErr(account, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, transportErr(account, err)
	}
	c.log.Debug("twitterapi request", logx.Account(account), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, Account: account, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()), Err: errors.New("HTTP 429")}
	case resp.StatusCode == http.StatusNotFound:
		return nil, notFoundErr(account, errors.New("HTTP 404"))
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, transportErr(account, errors.New("HTTP 401: invalid API key"))
	case resp.StatusCode/100 != 2:
		return nil, transportErr(account, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	return body, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
