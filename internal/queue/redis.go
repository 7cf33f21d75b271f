package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Queue backed by Redis, so pending work and claims survive
// process restarts. Each claim carries a lease key with a TTL: a reviewer
// that disconnects without checking in loses the claim when the lease
// expires and the diff becomes claimable again.
//
// A single service instance owns the queue; the in-process mutex serializes
// operations the same way Memory does.
type Redis struct {
	mu       sync.Mutex
	client   *redis.Client
	leaseTTL time.Duration
}

const (
	keyPending   = "wq:pending"   // ZSET diff id -> rank score
	keySeq       = "wq:seq"       // enqueue counter for FIFO tie-breaks
	keyScores    = "wq:scores"    // HASH diff id -> original rank score
	keyClaims    = "wq:claims"    // HASH reviewer id -> diff id
	keyClaimedBy = "wq:claimedby" // HASH diff id -> reviewer id
	leasePrefix  = "wq:lease:"    // per-reviewer lease key with TTL
)

func NewRedis(redisURL string, leaseTTL time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, leaseTTL: leaseTTL}, nil
}

// NewRedisWithClient creates a queue from an existing Redis client.
func NewRedisWithClient(client *redis.Client, leaseTTL time.Duration) *Redis {
	return &Redis{client: client, leaseTTL: leaseTTL}
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Redis) Enqueue(ctx context.Context, diffID string, priority float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reapExpired(ctx); err != nil {
		return err
	}

	if _, err := q.client.HGet(ctx, keyClaimedBy, diffID).Result(); err == nil {
		return nil
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check claim for %s: %w", diffID, err)
	}
	if err := q.client.ZScore(ctx, keyPending, diffID).Err(); err == nil {
		return nil
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check pending for %s: %w", diffID, err)
	}

	seq, err := q.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return fmt.Errorf("next enqueue seq: %w", err)
	}
	// Lower score ranks first: negated priority, FIFO within equal priority.
	score := -priority*1e12 + float64(seq)
	if err := q.client.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: diffID}).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", diffID, err)
	}
	if err := q.client.HSet(ctx, keyScores, diffID, score).Err(); err != nil {
		return fmt.Errorf("record score for %s: %w", diffID, err)
	}
	return nil
}

func (q *Redis) CheckoutNext(ctx context.Context, reviewerID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reapExpired(ctx); err != nil {
		return "", err
	}
	if err := q.releaseClaim(ctx, reviewerID); err != nil {
		return "", err
	}

	members, err := q.client.ZRange(ctx, keyPending, 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("scan pending: %w", err)
	}
	if len(members) == 0 {
		return "", ErrEmptyQueue
	}
	diffID := members[0]
	if err := q.claim(ctx, reviewerID, diffID); err != nil {
		return "", err
	}
	return diffID, nil
}

func (q *Redis) Checkout(ctx context.Context, reviewerID, diffID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reapExpired(ctx); err != nil {
		return err
	}

	holder, err := q.client.HGet(ctx, keyClaimedBy, diffID).Result()
	if err == nil {
		if holder == reviewerID {
			return q.client.Set(ctx, leasePrefix+reviewerID, diffID, q.leaseTTL).Err()
		}
		return ErrAlreadyClaimed
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check claim for %s: %w", diffID, err)
	}

	if err := q.client.ZScore(ctx, keyPending, diffID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotQueued
		}
		return fmt.Errorf("check pending for %s: %w", diffID, err)
	}

	if err := q.releaseClaim(ctx, reviewerID); err != nil {
		return err
	}
	return q.claim(ctx, reviewerID, diffID)
}

func (q *Redis) Checkin(ctx context.Context, reviewerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reapExpired(ctx); err != nil {
		return err
	}

	if _, err := q.client.HGet(ctx, keyClaims, reviewerID).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNoActiveClaim
		}
		return fmt.Errorf("lookup claim: %w", err)
	}
	return q.releaseClaim(ctx, reviewerID)
}

func (q *Redis) Remove(ctx context.Context, diffID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if reviewerID, err := q.client.HGet(ctx, keyClaimedBy, diffID).Result(); err == nil {
		if err := q.dropClaim(ctx, reviewerID, diffID); err != nil {
			return err
		}
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check claim for %s: %w", diffID, err)
	}

	if err := q.client.ZRem(ctx, keyPending, diffID).Err(); err != nil {
		return fmt.Errorf("remove %s from pending: %w", diffID, err)
	}
	if err := q.client.HDel(ctx, keyScores, diffID).Err(); err != nil {
		return fmt.Errorf("remove score for %s: %w", diffID, err)
	}
	return nil
}

func (q *Redis) Counts(ctx context.Context) (unclaimed, total int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reapExpired(ctx); err != nil {
		return 0, 0, err
	}

	pending, err := q.client.ZCard(ctx, keyPending).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count pending: %w", err)
	}
	claimed, err := q.client.HLen(ctx, keyClaims).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count claims: %w", err)
	}
	return int(pending), int(pending + claimed), nil
}

// claim records reviewer -> diff and starts the lease. Callers must hold
// q.mu and have verified the diff is unclaimed.
func (q *Redis) claim(ctx context.Context, reviewerID, diffID string) error {
	if err := q.client.ZRem(ctx, keyPending, diffID).Err(); err != nil {
		return fmt.Errorf("remove %s from pending: %w", diffID, err)
	}
	if err := q.client.HSet(ctx, keyClaims, reviewerID, diffID).Err(); err != nil {
		return fmt.Errorf("record claim: %w", err)
	}
	if err := q.client.HSet(ctx, keyClaimedBy, diffID, reviewerID).Err(); err != nil {
		return fmt.Errorf("index claim: %w", err)
	}
	if err := q.client.Set(ctx, leasePrefix+reviewerID, diffID, q.leaseTTL).Err(); err != nil {
		return fmt.Errorf("start lease: %w", err)
	}
	return nil
}

// releaseClaim returns the reviewer's claim, if any, to the pending backlog
// at its original rank. Callers must hold q.mu.
func (q *Redis) releaseClaim(ctx context.Context, reviewerID string) error {
	diffID, err := q.client.HGet(ctx, keyClaims, reviewerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup claim: %w", err)
	}

	score, err := q.client.HGet(ctx, keyScores, diffID).Float64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup score for %s: %w", diffID, err)
	}
	if err := q.client.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: diffID}).Err(); err != nil {
		return fmt.Errorf("requeue %s: %w", diffID, err)
	}
	return q.dropClaim(ctx, reviewerID, diffID)
}

// dropClaim deletes claim bookkeeping without requeueing. Callers must hold
// q.mu.
func (q *Redis) dropClaim(ctx context.Context, reviewerID, diffID string) error {
	if err := q.client.HDel(ctx, keyClaims, reviewerID).Err(); err != nil {
		return fmt.Errorf("drop claim: %w", err)
	}
	if err := q.client.HDel(ctx, keyClaimedBy, diffID).Err(); err != nil {
		return fmt.Errorf("drop claim index: %w", err)
	}
	if err := q.client.Del(ctx, leasePrefix+reviewerID).Err(); err != nil {
		return fmt.Errorf("drop lease: %w", err)
	}
	return nil
}

// reapExpired requeues claims whose lease key has expired. Callers must hold
// q.mu.
func (q *Redis) reapExpired(ctx context.Context) error {
	claims, err := q.client.HGetAll(ctx, keyClaims).Result()
	if err != nil {
		return fmt.Errorf("list claims: %w", err)
	}
	for reviewerID := range claims {
		if err := q.client.Get(ctx, leasePrefix+reviewerID).Err(); err == nil {
			continue
		} else if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("check lease: %w", err)
		}
		if err := q.releaseClaim(ctx, reviewerID); err != nil {
			return err
		}
	}
	return nil
}
