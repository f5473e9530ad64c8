// Package notify delivers operator messages and collects operator replies.
package notify

import "context"

// Reply is one inbound message. Cursor increases monotonically across
// replies; PollReplies(since) returns replies with Cursor > since.
type Reply struct {
	ChatID   int64
	SenderID int64
	Text     string
	Cursor   int64
}

// Port is the engine's view of the messaging channel. Send blocks until
// the message is delivered or has definitively failed.
type Port interface {
	Send(ctx context.Context, text, linkURL string) error
	PollReplies(ctx context.Context, since int64) ([]Reply, error)
}
