package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "postwatch/pkg/logx"
)

const auditCap = 1000

// redisStore keeps state under three keys:
//   - <prefix>:notified           list, oldest first
//   - <prefix>:last_notification  hash account -> unix millis
//   - <prefix>:audit              list, newest first, capped
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.RedisPrefix)
	if prefix == "" {
		prefix = "postwatch"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", addr, err)
	}
	log.Info("redis connected", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) key(name string) string { return s.prefix + ":" + name }

func (s *redisStore) LoadState(ctx context.Context) (Snapshot, bool, error) {
	ids, err := s.client.LRange(ctx, s.key("notified"), 0, -1).Result()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis load notified: %w", err)
	}
	raw, err := s.client.HGetAll(ctx, s.key("last_notification")).Result()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis load last_notification: %w", err)
	}

	snap := Snapshot{NotifiedPostIDs: ids, LastNotification: make(map[string]time.Time, len(raw))}
	for acct, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Snapshot{}, true, fmt.Errorf("redis last_notification[%s]: %w: %v", acct, ErrCorrupt, err)
		}
		snap.LastNotification[acct] = time.UnixMilli(ms)
	}
	return snap, len(ids) > 0 || len(raw) > 0, nil
}

// SaveState rewrites both keys inside MULTI/EXEC.
func (s *redisStore) SaveState(ctx context.Context, snap Snapshot) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key("notified"), s.key("last_notification"))
		if len(snap.NotifiedPostIDs) > 0 {
			vals := make([]any, len(snap.NotifiedPostIDs))
			for i, id := range snap.NotifiedPostIDs {
				vals[i] = id
			}
			p.RPush(ctx, s.key("notified"), vals...)
		}
		if len(snap.LastNotification) > 0 {
			fields := make(map[string]any, len(snap.LastNotification))
			for acct, t := range snap.LastNotification {
				fields[acct] = strconv.FormatInt(t.UnixMilli(), 10)
			}
			p.HSet(ctx, s.key("last_notification"), fields)
		}
		return nil
	})
	return err
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key("audit"), b)
		p.LTrim(ctx, s.key("audit"), 0, auditCap-1)
		return nil
	})
	return err
}

func (s *redisStore) Close() error { return s.client.Close() }
