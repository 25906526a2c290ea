package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisLedgerPrefix = "cme:ledger:"
	redisSubjectsKey  = "cme:subjects"
)

// RedisStore keeps each ledger as one JSON value. Snapshot and subject index
// are written in a single MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Load(ctx context.Context, subjectID string) (*Ledger, error) {
	data, err := r.client.Get(ctx, redisLedgerPrefix+subjectID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger %s: %w", subjectID, err)
	}
	return &l, nil
}

func (r *RedisStore) Save(ctx context.Context, l *Ledger) error {
	if err := ValidateSubjectID(l.SubjectID); err != nil {
		return err
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisLedgerPrefix+l.SubjectID, data, 0)
		pipe.SAdd(ctx, redisSubjectsKey, l.SubjectID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis MULTI/EXEC failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Subjects(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, redisSubjectsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
