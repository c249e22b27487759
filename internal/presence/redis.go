package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps one expiring key per online identity.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func (s *redisStore) key(identity string) string {
	return s.prefix + identity
}

func (s *redisStore) MarkOnline(ctx context.Context, identity string, since time.Time) error {
	if err := s.client.Set(ctx, s.key(identity), since.UTC().Format(time.RFC3339Nano), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %s online: %w", identity, err)
	}
	return nil
}

func (s *redisStore) MarkOffline(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.key(identity)).Err(); err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", identity, err)
	}
	return nil
}

func (s *redisStore) Touch(ctx context.Context, identity string) error {
	return s.client.Expire(ctx, s.key(identity), s.ttl).Err()
}

func (s *redisStore) Online(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
