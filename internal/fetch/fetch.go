// Package fetch retrieves recent posts for an account.
//
// A Fetcher returns posts in a fixed shape or a typed *Error; the engine
// never sees provider-specific fields.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postwatch/internal/timeago"
)

type Post struct {
	ID   string
	URL  string
	Text string

	// Posted is a relative age as shown by the platform ("5m"), used when
	// PostedAt is zero.
	Posted   string
	PostedAt time.Time
}

// Age resolves the post's age at now.
func (p Post) Age(now time.Time) timeago.Age {
	if !p.PostedAt.IsZero() {
		return timeago.FromDuration(now.Sub(p.PostedAt))
	}
	return timeago.Parse(p.Posted)
}

// Latest picks the most recent post. Posts of unknown age only win when no
// post has a known age; ties keep the earlier entry.
func Latest(posts []Post, now time.Time) (Post, timeago.Age, bool) {
	if len(posts) == 0 {
		return Post{}, timeago.Unknown, false
	}
	best, bestAge := posts[0], posts[0].Age(now)
	for _, p := range posts[1:] {
		if a := p.Age(now); a.Less(bestAge) {
			best, bestAge = p, a
		}
	}
	return best, bestAge, true
}

type Fetcher interface {
	FetchRecent(ctx context.Context, account string) ([]Post, error)
}

type Kind int

const (
	KindTransport Kind = iota
	KindRateLimited
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	default:
		return "transport"
	}
}

type Error struct {
	Kind    Kind
	Account string
	// RetryAfter is the provider's back-off hint for KindRateLimited, 0 if none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch @%s: %s", e.Account, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err; anything that is not an *Error is a transport failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransport
}

func transportErr(account string, err error) error {
	return &Error{Kind: KindTransport, Account: account, Err: err}
}

func notFoundErr(account string, err error) error {
	return &Error{Kind: KindNotFound, Account: account, Err: err}
}
