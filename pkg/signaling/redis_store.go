package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"webrtc-signal-relay/pkg/webrtc/protocol"
)

// RedisStore implements Store using one Redis list per queue.
//
// Drains run LRANGE and DEL inside MULTI/EXEC so two relays sharing the same
// Redis never hand out the same message twice. Every operation refreshes the
// session's keys with the idle TTL.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a Store backed by Redis. Prefix is optional (e.g., "signal").
// A zero ttl keeps keys until Reset.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "signal"
	}
	return &RedisStore{rdb: rdb, prefix: p, ttl: ttl}
}

func (s *RedisStore) queueKey(session string, role Role) string {
	return fmt.Sprintf("%s:session:%s:%s", s.prefix, session, role.Token())
}

func (s *RedisStore) claimKey(session string) string {
	return fmt.Sprintf("%s:session:%s:claim", s.prefix, session)
}

func (s *RedisStore) notifyChannel(session string, role Role) string {
	return fmt.Sprintf("%s:notify:%s:%s", s.prefix, session, role.Token())
}

func (s *RedisStore) refresh(ctx context.Context, pipe redis.Pipeliner, session string) {
	if s.ttl <= 0 {
		return
	}
	_ = pipe.Expire(ctx, s.queueKey(session, Initiator), s.ttl)
	_ = pipe.Expire(ctx, s.queueKey(session, Responder), s.ttl)
	_ = pipe.Expire(ctx, s.claimKey(session), s.ttl)
}

func (s *RedisStore) Append(ctx context.Context, session string, role Role, msg protocol.Message) error {
	if err := ValidateSessionID(session); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	_ = pipe.RPush(ctx, s.queueKey(session, role), data)
	s.refresh(ctx, pipe, session)
	_ = pipe.Publish(ctx, s.notifyChannel(session, role), "1")
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Drain(ctx context.Context, session string, role Role) ([]protocol.Message, error) {
	if err := ValidateSessionID(session); err != nil {
		return nil, err
	}
	key := s.queueKey(session, role)

	pipe := s.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	_ = pipe.Del(ctx, key)
	s.refresh(ctx, pipe, session)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	vals := rangeCmd.Val()
	out := make([]protocol.Message, 0, len(vals))
	for _, v := range vals {
		var msg protocol.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) Claim(ctx context.Context, session string) (Role, error) {
	if err := ValidateSessionID(session); err != nil {
		return 0, err
	}
	won, err := s.rdb.SetNX(ctx, s.claimKey(session), "1", s.ttl).Result()
	if err != nil {
		return 0, err
	}
	if won {
		return Initiator, nil
	}
	return Responder, nil
}

// Watch subscribes to the queue's notify channel. The subscription is
// confirmed before Watch returns, so a publish after that point is seen.
func (s *RedisStore) Watch(ctx context.Context, session string, role Role) (<-chan struct{}, func(), error) {
	if err := ValidateSessionID(session); err != nil {
		return nil, nil, err
	}
	pubsub := s.rdb.Subscribe(ctx, s.notifyChannel(session, role))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	ready := make(chan struct{})
	done := make(chan struct{})
	msgs := pubsub.Channel()
	go func() {
		select {
		case <-msgs:
			close(ready)
		case <-done:
		}
	}()

	stop := sync.OnceFunc(func() {
		close(done)
		_ = pubsub.Close()
	})
	return ready, stop, nil
}

func (s *RedisStore) Reset(ctx context.Context) error {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+":session:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
