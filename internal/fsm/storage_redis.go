package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStorage keeps conversation state in one hash per account. A
// positive ttl expires abandoned dialogues.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStorage(client *redis.Client, ttl time.Duration) *RedisStorage {
	return &RedisStorage{client: client, prefix: "fsm:", ttl: ttl}
}

func (s *RedisStorage) key(accountID int64) string {
	return fmt.Sprintf("%s%d", s.prefix, accountID)
}

func (s *RedisStorage) Load(ctx context.Context, accountID int64) (State, Data, error) {
	fields, err := s.client.HGetAll(ctx, s.key(accountID)).Result()
	if err != nil {
		return None, nil, err
	}
	if len(fields) == 0 {
		return None, Data{}, nil
	}
	data, err := decode([]byte(fields["data"]))
	if err != nil {
		return None, nil, err
	}
	return State(fields["state"]), data, nil
}

func (s *RedisStorage) Save(ctx context.Context, accountID int64, state State, data Data) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	key := s.key(accountID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "state", string(state), "data", string(b))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStorage) Delete(ctx context.Context, accountID int64) error {
	return s.client.Del(ctx, s.key(accountID)).Err()
}
