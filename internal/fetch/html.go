package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"postwatch/internal/timeago"
	logx "postwatch/pkg/logx"
)

type HTMLConfig struct {
	// Dir holds <handle>.html snapshots. Used when BaseURL is empty.
	Dir string
	// BaseURL serves GET <BaseURL>/<handle>.
	BaseURL string
	Timeout time.Duration
}

// HTMLSnapshot reads rendered profile pages, either saved to disk by an
// external browser or served over HTTP, and extracts posts from them.
type HTMLSnapshot struct {
	cfg    HTMLConfig
	client *http.Client
	log    logx.Logger
}

func NewHTMLSnapshot(cfg HTMLConfig, log logx.Logger) (*HTMLSnapshot, error) {
	if strings.TrimSpace(cfg.Dir) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("html fetcher needs dir or base_url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTMLSnapshot{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

func (h *HTMLSnapshot) FetchRecent(ctx context.Context, account string) ([]Post, error) {
	body, err := h.load(ctx, account)
	if err != nil {
		return nil, err
	}
	posts, err := parseProfile(bytes.NewReader(body), account)
	if err != nil {
		return nil, err
	}
	h.log.Debug("snapshot parsed", logx.Account(account), logx.Int("posts", len(posts)))
	return posts, nil
}

func (h *HTMLSnapshot) load(ctx context.Context, account string) ([]byte, error) {
	if h.cfg.BaseURL == "" {
		b, err := os.ReadFile(filepath.Join(h.cfg.Dir, filepath.Base(account)+".html"))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFoundErr(account, errors.New("no snapshot"))
		}
		if err != nil {
			return nil, transportErr(account, err)
		}
		return b, nil
	}

	u := strings.TrimRight(h.cfg.BaseURL, "/") + "/" + account
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, transportErr(account, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, transportErr(account, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, notFoundErr(account, errors.New("HTTP 404"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, Account: account, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), Err: errors.New("HTTP 429")}
	case resp.StatusCode != http.StatusOK:
		return nil, transportErr(account, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, transportErr(account, err)
	}
	return b, nil
}

func parseProfile(r io.Reader, account string) ([]Post, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, transportErr(account, fmt.Errorf("parse html: %w", err))
	}

	articles := doc.Find(`article[data-testid="tweet"]`)
	if articles.Length() == 0 {
		page := strings.ToLower(doc.Text())
		if strings.Contains(page, "doesn't exist") || strings.Contains(page, "suspended") {
			return nil, notFoundErr(account, errors.New("account missing or suspended"))
		}
		articles = doc.Find("article")
	}

	var posts []Post
	articles.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find(`a[href*="/status/"]`).First().Attr("href")
		if !ok {
			return
		}
		id := statusID(href)
		if id == "" {
			return
		}
		p := Post{
			ID:   id,
			URL:  absoluteURL(href),
			Text: strings.TrimSpace(s.Find(`[data-testid="tweetText"]`).First().Text()),
		}
		// the visible relative label wins over the datetime attribute
		tm := s.Find("time").First()
		p.Posted = strings.TrimSpace(tm.Text())
		if dt, ok := tm.Attr("datetime"); ok {
			if ts, err := time.Parse(time.RFC3339, dt); err == nil && !timeago.Parse(p.Posted).Known() {
				p.PostedAt = ts
			}
		}
		posts = append(posts, p)
	})
	return posts, nil
}

// statusID extracts <id> from ".../status/<id>[/...]".
func statusID(href string) string {
	_, rest, ok := strings.Cut(href, "/status/")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return rest
}

func absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return "https://x.com/" + strings.TrimPrefix(href, "/")
}
