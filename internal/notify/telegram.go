package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"postwatch/internal/transport"
	logx "postwatch/pkg/logx"
)

type TelegramConfig struct {
	// ChatID is the operator chat every message is sent to.
	ChatID    int64
	Attempts  uint
	Delay     time.Duration
	InboxSize int
}

// Telegram implements Port over a transport.Adapter. Run must be started
// for PollReplies to see anything.
type Telegram struct {
	adapter transport.Adapter
	cfg     TelegramConfig
	log     logx.Logger

	mu     sync.Mutex
	inbox  []Reply // ring, oldest at head
	head   int
	count  int
	cursor int64
}

var _ Port = (*Telegram)(nil)

func NewTelegram(adapter transport.Adapter, cfg TelegramConfig, log logx.Logger) *Telegram {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{adapter: adapter, cfg: cfg, log: log, inbox: make([]Reply, cfg.InboxSize)}
}

// Send delivers an HTML message to the operator, retrying transient failures.
// linkURL is appended when the text does not already carry it.
func (t *Telegram) Send(ctx context.Context, text, linkURL string) error {
	if linkURL != "" && !strings.Contains(text, linkURL) {
		text += "\n\n" + linkURL
	}
	return t.send(ctx, text, &transport.SendOptions{ParseMode: "HTML"})
}

// SendAlert delivers plain text; it backs the log alert sink.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	return t.send(ctx, text, &transport.SendOptions{DisablePreview: true})
}

func (t *Telegram) send(ctx context.Context, text string, opt *transport.SendOptions) error {
	if t.cfg.ChatID == 0 {
		return errors.New("operator chat id not set")
	}
	to := transport.ChatTarget{ChatID: t.cfg.ChatID}
	err := retry.Do(
		func() error {
			_, err := t.adapter.SendText(ctx, to, text, opt)
			return err
		},
		retry.Attempts(t.cfg.Attempts),
		retry.Delay(t.cfg.Delay),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.log.Warn("telegram send failed, retrying", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Run copies inbound text messages into the inbox until ctx is done or
// updates is closed.
func (t *Telegram) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			t.push(up.Message)
		}
	}
}

func (t *Telegram) push(m *transport.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor++
	r := Reply{ChatID: m.ChatID, SenderID: m.FromID, Text: m.Text, Cursor: t.cursor}
	size := len(t.inbox)
	if t.count < size {
		t.inbox[(t.head+t.count)%size] = r
		t.count++
		return
	}
	// full: overwrite the oldest
	t.inbox[t.head] = r
	t.head = (t.head + 1) % size
	t.log.Warn("reply inbox full, oldest reply dropped")
}

func (t *Telegram) PollReplies(ctx context.Context, since int64) ([]Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Reply
	size := len(t.inbox)
	for i := 0; i < t.count; i++ {
		if r := t.inbox[(t.head+i)%size]; r.Cursor > since {
			out = append(out, r)
		}
	}
	return out, nil
}
