package reflow

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps slots in redis, shared by every client of the same server.
type RedisStorage struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisStorage(rdb *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{
		rdb:     rdb,
		prefix:  prefix,
		timeout: 5 * time.Second,
	}
}

func (self *RedisStorage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), self.timeout)
}

func (self *RedisStorage) Get(key string) ([]byte, bool, error) {
	ctx, cancel := self.ctx()
	defer cancel()
	data, err := self.rdb.Get(ctx, self.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (self *RedisStorage) Set(key string, data []byte) error {
	ctx, cancel := self.ctx()
	defer cancel()
	return self.rdb.Set(ctx, self.prefix+key, data, 0).Err()
}

func (self *RedisStorage) Delete(key string) error {
	ctx, cancel := self.ctx()
	defer cancel()
	return self.rdb.Del(ctx, self.prefix+key).Err()
}
