package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store and the locker.
const DefaultPrefix = "crucible:task:"

// maxApplyRetries bounds optimistic transaction retries under contention.
const maxApplyRetries = 64

// farFuture is the index score of records without a TTL (2100-01-01).
const farFuture = 4102444800

// ErrApplyConflict is returned when Apply keeps losing the optimistic race.
var ErrApplyConflict = errors.New("redis apply conflict")

// Store implements ports.StateStore using Redis.
// Apply runs as a WATCH/MULTI transaction so concurrent writers never lose updates.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for task records. Every write refreshes it.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for task records.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Client exposes the underlying client so a Locker can share the connection pool.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) key(threadID string) string {
	return s.prefix + threadID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) score() float64 {
	if s.ttl == 0 {
		return farFuture
	}
	return float64(time.Now().Add(s.ttl).Unix())
}

// Create stores a new record with SET NX.
func (s *Store) Create(ctx context.Context, record *domain.TaskRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(record.ThreadID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create in redis: %w", err)
	}
	if !ok {
		return domain.ErrTaskExists
	}
	err = s.client.ZAdd(ctx, s.indexKey(), backend.Z{Score: s.score(), Member: record.ThreadID}).Err()
	if err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

// Save overwrites the record and refreshes its index entry.
func (s *Store) Save(ctx context.Context, record *domain.TaskRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	pipe := s.client.Pipeline()
	s.write(ctx, pipe, record.ThreadID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, pipe backend.Pipeliner, threadID string, data []byte) {
	pipe.Set(ctx, s.key(threadID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  s.score(),
		Member: threadID,
	})
}

// Load retrieves the record from Redis.
func (s *Store) Load(ctx context.Context, threadID string) (*domain.TaskRecord, error) {
	val, err := s.client.Get(ctx, s.key(threadID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return decode(val)
}

// Apply merges a delta inside an optimistic transaction, retrying on conflict.
func (s *Store) Apply(ctx context.Context, threadID string, fn ports.DeltaFunc) (*domain.TaskRecord, error) {
	key := s.key(threadID)
	var result *domain.TaskRecord

	txf := func(tx *backend.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				return domain.ErrTaskNotFound
			}
			return fmt.Errorf("failed to get from redis: %w", err)
		}
		rec, err := decode(val)
		if err != nil {
			return err
		}
		delta, err := fn(rec.Clone())
		if err != nil {
			return err
		}
		rec.Apply(delta)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal task record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			s.write(ctx, pipe, threadID, data)
			return nil
		})
		if err != nil {
			return err
		}
		result = rec
		return nil
	}

	for range maxApplyRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrApplyConflict, threadID)
}

// Delete removes the record and its index entry.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(threadID))
	pipe.ZRem(ctx, s.indexKey(), threadID)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns live thread IDs, pruning index entries whose TTL has passed.
func (s *Store) List(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())
	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired tasks: %w", err)
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return ids, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(val []byte) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record: %w", err)
	}
	return &rec, nil
}
