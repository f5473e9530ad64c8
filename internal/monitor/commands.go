package monitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"postwatch/internal/notify"
	"postwatch/internal/storage"
	"postwatch/internal/watchlist"
	logx "postwatch/pkg/logx"
)

type CommandKind int

const (
	CmdNone CommandKind = iota
	// CmdRemoveLast removes the account of the most recent alert.
	CmdRemoveLast
	CmdRemove
	CmdStatus
)

type Command struct {
	Kind   CommandKind
	Target string
}

// ParseCommand recognises "x", "x @handle" (the '@' optional, 'x' in any
// case) and "status" or "/status". Anything else is CmdNone.
func ParseCommand(text string) Command {
	f := strings.Fields(text)
	switch {
	case len(f) == 1 && strings.EqualFold(f[0], "x"):
		return Command{Kind: CmdRemoveLast}
	case len(f) == 2 && strings.EqualFold(f[0], "x"):
		h := watchlist.Normalize(f[1])
		if !validHandle(h) {
			return Command{}
		}
		return Command{Kind: CmdRemove, Target: h}
	case len(f) == 1:
		cmd := strings.ToLower(f[0])
		if i := strings.IndexByte(cmd, '@'); i > 0 && strings.HasPrefix(cmd, "/") {
			cmd = cmd[:i] // "/status@SomeBot"
		}
		if cmd == "status" || cmd == "/status" {
			return Command{Kind: CmdStatus}
		}
	}
	return Command{}
}

func validHandle(h string) bool {
	if h == "" || len(h) > 50 {
		return false
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// RunCommands drains operator replies every CommandPollInterval until ctx
// is cancelled.
func (e *Engine) RunCommands(ctx context.Context) error {
	for {
		if err := e.sleep(ctx, e.config().CommandPollInterval); err != nil {
			return nil
		}
		if _, err := e.DrainCommands(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("command drain failed", logx.Err(err))
		}
	}
}

// DrainCommands applies every reply received since the last drain and
// returns how many commands were acted on. Concurrent calls are serialized.
func (e *Engine) DrainCommands(ctx context.Context) (int, error) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	replies, err := e.port.PollReplies(ctx, e.cursor)
	if err != nil {
		return 0, err
	}
	operator := e.config().OperatorChatID
	applied := 0
	for _, r := range replies {
		if r.Cursor > e.cursor {
			e.cursor = r.Cursor
		}
		if operator == 0 || r.ChatID != operator {
			e.log.Debug("reply from non-operator chat ignored", logx.Int64("chat_id", r.ChatID))
			continue
		}
		cmd := ParseCommand(r.Text)
		switch cmd.Kind {
		case CmdNone:
			continue
		case CmdStatus:
			if err := e.port.Send(ctx, e.StatsReport(), ""); err != nil {
				e.log.Warn("status reply failed", logx.Err(err))
			}
		case CmdRemoveLast:
			if e.lastNotified == "" {
				e.log.Info("bare x with nothing to remove")
				continue
			}
			target := e.lastNotified
			e.lastNotified = ""
			e.removeLocked(ctx, target, r)
		case CmdRemove:
			e.removeLocked(ctx, cmd.Target, r)
		}
		applied++
	}
	return applied, nil
}

// removeLocked runs with cmdMu held.
func (e *Engine) removeLocked(ctx context.Context, target string, r notify.Reply) {
	log := e.log.With(logx.Account(target), logx.Int64("sender_id", r.SenderID))
	removed, err := e.watch.Remove(target)
	if removed && strings.EqualFold(e.lastNotified, target) {
		e.lastNotified = ""
	}

	entry := storage.AuditEntry{At: e.now(), ActorID: r.SenderID, ChatID: r.ChatID, Action: "remove", Target: target, OK: removed}
	var reply string
	switch {
	case removed:
		if err != nil {
			// committed, only the excluded record is missing
			log.Error("removed but not recorded as excluded", logx.Err(err))
			entry.Error = err.Error()
		} else {
			log.Info("removed by operator")
		}
		reply = notify.RemovedMessage(target)
	case err != nil:
		log.Error("removal failed", logx.Err(err))
		entry.Error = err.Error()
		reply = notify.RemoveFailedMessage(target)
	default:
		log.Info("removal target not on watch-list")
		entry.Error = "not found"
		reply = notify.NotFoundMessage(target)
	}

	if e.audit != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if aerr := e.audit.AppendAudit(actx, entry); aerr != nil && !errors.Is(aerr, context.Canceled) {
			log.Warn("audit append failed", logx.Err(aerr))
		}
		cancel()
	}
	if err := e.port.Send(ctx, reply, ""); err != nil {
		log.Warn("removal reply failed", logx.Err(err))
	}
}
