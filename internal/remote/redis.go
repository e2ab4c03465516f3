package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"carecircle/internal/config"

	"github.com/redis/go-redis/v9"
)

const (
	docKeyPrefix     = "cc:doc:"
	colKeyPrefix     = "cc:col:"
	watchChanPrefix  = "cc:watch:"
	maxMergeAttempts = 5
)

// RedisStore implements DocumentStore over Redis: documents are JSON strings,
// collection membership lives in sets, and listeners ride keyspace pub/sub.
// Merges are read-modify-write under WATCH, retried on contention.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(cfg config.RedisConfig, logger *slog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, path string) (Document, error) {
	raw, err := s.client.Get(ctx, docKeyPrefix+path).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("failed to get document %s: %w", path, err)
	}
	return decodeDocument(path, []byte(raw))
}

func (s *RedisStore) Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error {
	key := docKeyPrefix + path
	collection := CollectionOf(path)

	serverTime, err := s.serverTime(ctx)
	if err != nil {
		return err
	}

	txn := func(tx *redis.Tx) error {
		var existing map[string]any
		if opts.Merge {
			raw, err := tx.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read document %s: %w", path, err)
			}
			if err == nil {
				if existing, err = decodeData([]byte(raw)); err != nil {
					return err
				}
			}
		}

		merged := applyUpdates(existing, data, serverTime)
		payload, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", path, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, colKeyPrefix+collection, path)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		err = s.client.Watch(ctx, txn, key)
		if err == nil {
			s.publishChange(ctx, collection)
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to set document %s: %w", path, err)
		}
	}
	return fmt.Errorf("failed to set document %s: %w", path, err)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	collection := CollectionOf(path)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, docKeyPrefix+path)
		pipe.SRem(ctx, colKeyPrefix+collection, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", path, err)
	}

	s.publishChange(ctx, collection)
	return nil
}

func (s *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	paths, err := s.client.SMembers(ctx, colKeyPrefix+collection).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}
	sort.Strings(paths)

	out := make([]Document, 0, len(paths))
	for _, path := range paths {
		doc, err := s.Get(ctx, path)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				// Index entry outlived its document; self-heal.
				s.client.SRem(ctx, colKeyPrefix+collection, path)
				continue
			}
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *RedisStore) QueryEq(ctx context.Context, collection, field string, value any) ([]Document, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if fieldEquals(d.Data[field], value) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *RedisStore) QueryArrayContains(ctx context.Context, collection, field string, value any) ([]Document, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if containsValue(toAnySlice(d.Data[field]), value) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *RedisStore) Listen(ctx context.Context, collection string) (Listener, error) {
	pubsub := s.client.Subscribe(ctx, watchChanPrefix+collection)

	// Force the subscription to establish before the initial snapshot so no
	// commit can fall between the two.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", collection, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &redisListener{
		pubsub:  pubsub,
		cancel:  cancel,
		updates: make(chan []Document, 16),
		errs:    make(chan error, 1),
	}

	go l.run(ctx, s, collection)
	return l, nil
}

func (s *RedisStore) publishChange(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, watchChanPrefix+collection, "changed").Err(); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish change notification",
			"collection", collection, "error", err)
	}
}

func (s *RedisStore) serverTime(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return t, nil
}

type redisListener struct {
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	updates chan []Document
	errs    chan error
}

func (l *redisListener) Updates() <-chan []Document { return l.updates }
func (l *redisListener) Errors() <-chan error       { return l.errs }

func (l *redisListener) Stop() {
	l.cancel()
	l.pubsub.Close()
}

func (l *redisListener) run(ctx context.Context, store *RedisStore, collection string) {
	defer close(l.updates)

	push := func() bool {
		docs, err := store.List(ctx, collection)
		if err != nil {
			select {
			case l.errs <- err:
			default:
			}
			return false
		}
		select {
		case l.updates <- docs:
		case <-ctx.Done():
			return false
		}
		return true
	}

	if !push() {
		return
	}

	ch := l.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if !push() {
				return
			}
		}
	}
}

func decodeDocument(path string, raw []byte) (Document, error) {
	data, err := decodeData(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{Path: path, Data: data}, nil
}

func decodeData(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode document payload: %w", err)
	}
	return data, nil
}
