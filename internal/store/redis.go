package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"order-bridge/order"
)

// RedisStore 以 {prefix}order:{order_id}:{user_id}:{account_type} 为键保存挂单 JSON，
// 归属记录使用 {prefix}owner: 前缀，格式相同。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore ttl 为 0 表示不过期
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

const (
	nsOrder = "order"
	nsOwner = "owner"
)

// Key 挂单记录的 redis 键
func (s *RedisStore) Key(o *order.PendingOrder) string {
	return s.key(nsOrder, o)
}

func (s *RedisStore) key(ns string, o *order.PendingOrder) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", s.prefix, ns, o.ID, o.UserID, o.AccountType)
}

func (s *RedisStore) Save(ctx context.Context, o *order.PendingOrder) error {
	return s.set(ctx, nsOrder, o)
}

func (s *RedisStore) Delete(ctx context.Context, o *order.PendingOrder) error {
	return s.del(ctx, nsOrder, o)
}

func (s *RedisStore) SaveOwner(ctx context.Context, o *order.PendingOrder) error {
	return s.set(ctx, nsOwner, o)
}

func (s *RedisStore) DeleteOwner(ctx context.Context, o *order.PendingOrder) error {
	return s.del(ctx, nsOwner, o)
}

func (s *RedisStore) ListOwners(ctx context.Context) ([]order.PendingOrder, error) {
	return s.list(ctx, nsOwner)
}

func (s *RedisStore) set(ctx context.Context, ns string, o *order.PendingOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", ns, o.ID, err)
	}
	if err := s.client.Set(ctx, s.key(ns, o), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save %s %s: %w", ns, o.ID, err)
	}
	return nil
}

func (s *RedisStore) del(ctx context.Context, ns string, o *order.PendingOrder) error {
	if err := s.client.Del(ctx, s.key(ns, o)).Err(); err != nil {
		return fmt.Errorf("delete %s %s: %w", ns, o.ID, err)
	}
	return nil
}

// List 返回全部挂单记录，按创建时间排序。
func (s *RedisStore) List(ctx context.Context) ([]order.PendingOrder, error) {
	return s.list(ctx, nsOrder)
}

// 扫描与读取之间被删除的键会被跳过。
func (s *RedisStore) list(ctx context.Context, ns string) ([]order.PendingOrder, error) {
	keys, err := s.scan(ctx, s.prefix+ns+":*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list %s: %w", ns, err)
	}

	res := make([]order.PendingOrder, 0, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", ns, err)
		}
		var o order.PendingOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode %s: %w", strings.TrimPrefix(keys[i], s.prefix), err)
		}
		res = append(res, o)
	}
	sortByCreated(res)
	return res, nil
}

func (s *RedisStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Ping 启动时检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}
