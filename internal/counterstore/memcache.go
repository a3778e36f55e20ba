package counterstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/QuangTung97/go-memcache/memcache"

	apperrors "campflow/internal/errors"
)

const casRetryLimit = 8

// MemcacheStore keeps counters in memcached through meta-command pipelines.
// Increments are CAS loops: read with CAS, write back with the token, retry
// on conflict. Suitable when multiple hosts share one campflow deployment;
// counters do not survive a memcached restart, so the SQLite backend is the
// default.
type MemcacheStore struct {
	client *memcache.Client
}

func NewMemcacheStore(addr string, numConns int) (*MemcacheStore, error) {
	client, err := memcache.New(addr, numConns, memcache.WithRetryDuration(10*time.Second))
	if err != nil {
		return nil, apperrors.NewCounterStoreError("connect", err)
	}
	return &MemcacheStore{client: client}, nil
}

func (s *MemcacheStore) Close() error {
	return s.client.Close()
}

func ttlSeconds(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return uint32(secs)
}

func (s *MemcacheStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		pipe := s.client.Pipeline()
		getFn := pipe.MGet(key, memcache.MGetOptions{CAS: true})
		resp, err := getFn()
		if err != nil {
			pipe.Finish()
			return 0, fmt.Errorf("failed to get counter %s: %w", key, err)
		}

		if resp.Type != memcache.MGetResponseTypeVA {
			// Key absent: create it with the TTL.
			setFn := pipe.MSet(key, []byte(strconv.FormatInt(delta, 10)), memcache.MSetOptions{
				TTL: ttlSeconds(ttl),
			})
			_, err := setFn()
			pipe.Finish()
			if err != nil {
				return 0, fmt.Errorf("failed to create counter %s: %w", key, err)
			}
			return delta, nil
		}

		current, err := strconv.ParseInt(string(resp.Data), 10, 64)
		if err != nil {
			pipe.Finish()
			return 0, fmt.Errorf("corrupt counter value for %s: %w", key, err)
		}

		next := current + delta
		setFn := pipe.MSet(key, []byte(strconv.FormatInt(next, 10)), memcache.MSetOptions{
			CAS: resp.CAS,
		})
		setResp, err := setFn()
		pipe.Finish()
		if err != nil {
			return 0, fmt.Errorf("failed to update counter %s: %w", key, err)
		}
		if setResp.Type == memcache.MSetResponseTypeHD {
			return next, nil
		}
		// CAS conflict; another writer got in first.
	}
	return 0, fmt.Errorf("counter %s: too many CAS conflicts", key)
}

func (s *MemcacheStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	pipe := s.client.Pipeline()
	defer pipe.Finish()

	fn := pipe.MGet(key, memcache.MGetOptions{})
	resp, err := fn()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	if resp.Type != memcache.MGetResponseTypeVA {
		return 0, false, nil
	}

	value, err := strconv.ParseInt(string(resp.Data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt counter value for %s: %w", key, err)
	}
	return value, true, nil
}

func (s *MemcacheStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	defer pipe.Finish()

	fn := pipe.MSet(key, []byte(strconv.FormatInt(value, 10)), memcache.MSetOptions{
		TTL: ttlSeconds(ttl),
	})
	if _, err := fn(); err != nil {
		return fmt.Errorf("failed to set counter %s: %w", key, err)
	}
	return nil
}

func (s *MemcacheStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	defer pipe.Finish()

	fn := pipe.MDel(key, memcache.MDelOptions{})
	if _, err := fn(); err != nil {
		return fmt.Errorf("failed to delete counter %s: %w", key, err)
	}
	return nil
}
