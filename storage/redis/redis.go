// Package redis implements storage.Store on a Redis server. Records may be
// given a TTL so that sessions abandoned on shared devices age out.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
)

// DefaultPrefix namespaces the keys written by Store.
const DefaultPrefix = "warden:session:"

// Store implements storage.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires records ttl after their last Save. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore returns a Store using client.
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromAddr connects to the Redis server at addr and checks it answers.
func NewStoreFromAddr(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewStore(client, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(localID int) string {
	return s.prefix + strconv.Itoa(localID)
}

func (s *Store) Load(ctx context.Context, localID int) (*session.PersistedSession, error) {
	data, err := s.client.Get(ctx, s.key(localID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("local id %d: %w", localID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session from redis: %w", err)
	}
	return storage.Unmarshal(data)
}

func (s *Store) Save(ctx context.Context, p *session.PersistedSession) error {
	data, err := storage.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(storage.LocalID(p)), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing session to redis: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, localID int) error {
	if err := s.client.Del(ctx, s.key(localID)).Err(); err != nil {
		return fmt.Errorf("deleting session from redis: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]int, error) {
	var ids []int
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id, err := strconv.Atoi(strings.TrimPrefix(iter.Val(), s.prefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning redis sessions: %w", err)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
