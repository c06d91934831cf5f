package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"lead-run-orchestrator/internal/models"
)

// RedisStore keeps each document in a hash and indexes collections in sorted sets.
// Transactions use WATCH/MULTI and retry when the watched hash changes.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	clock      func() time.Time
	maxRetries int
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithClock replaces the Redis server clock. Tests use it to control time.
func WithClock(clock func() time.Time) RedisOption {
	return func(s *RedisStore) { s.clock = clock }
}

// WithPrefix namespaces every key written by the store.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     "leadrun:",
		maxRetries: defaultTxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) docKey(key string) string {
	return s.prefix + "doc:" + key
}

func (s *RedisStore) indexKey(collection string) string {
	return s.prefix + "idx:" + collection
}

type timeSource interface {
	Time(ctx context.Context) *redis.TimeCmd
}

// Now returns the Redis server time (TIME) in UTC.
func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	return s.serverTime(ctx, s.client)
}

func (s *RedisStore) serverTime(ctx context.Context, src timeSource) (time.Time, error) {
	if s.clock != nil {
		return s.clock().UTC(), nil
	}
	now, err := src.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return now.UTC(), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get fetches one document.
func (s *RedisStore) Get(ctx context.Context, key string) (Document, error) {
	vals, err := s.client.HGetAll(ctx, s.docKey(key)).Result()
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", key, err)
	}
	doc, ok, err := decodeHash(key, vals)
	if err != nil {
		return Document{}, err
	}
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", key, models.ErrNotFound)
	}
	return doc, nil
}

// List returns documents of a collection in key order.
func (s *RedisStore) List(ctx context.Context, collection string, limit int) ([]Document, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := s.client.ZRange(ctx, s.indexKey(collection), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, pipe.HGetAll(ctx, s.docKey(k)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(keys))
	for i, cmd := range cmds {
		doc, ok, err := decodeHash(keys[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Transact runs fn under WATCH on the document hash.
func (s *RedisStore) Transact(ctx context.Context, key string, fn TxFunc) error {
	dk := s.docKey(key)
	ik := s.indexKey(Collection(key))

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, dk).Result()
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		cur, ok, err := decodeHash(key, vals)
		if err != nil {
			return err
		}
		var current *Document
		if ok {
			current = &cur
		}

		now, err := s.serverTime(ctx, tx)
		if err != nil {
			return err
		}
		m, err := fn(current, now)
		if err != nil {
			return err
		}

		switch m.op {
		case opPut:
			version, created := int64(1), now
			if current != nil {
				version, created = current.Version+1, current.CreatedAt
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, dk,
					"data", m.data,
					"version", version,
					"created", created.UnixNano(),
					"updated", now.UnixNano(),
				)
				pipe.ZAdd(ctx, ik, redis.Z{Score: 0, Member: key})
				return nil
			})
			return err
		case opDelete:
			if current == nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, dk)
				pipe.ZRem(ctx, ik, key)
				return nil
			})
			return err
		default:
			return nil
		}
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, dk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%s: %w", key, ErrTxConflict)
}

func decodeHash(key string, vals map[string]string) (Document, bool, error) {
	if len(vals) == 0 {
		return Document{}, false, nil
	}
	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return Document{}, false, fmt.Errorf("decode version of %s: %w", key, err)
	}
	created, _ := strconv.ParseInt(vals["created"], 10, 64)
	updated, _ := strconv.ParseInt(vals["updated"], 10, 64)
	return Document{
		Key:       key,
		Data:      []byte(vals["data"]),
		Version:   version,
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, true, nil
}
