package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/ledger"
)

// Per-maker index of consumed keys: "usedidx:{maker}" → set of "used:{maker}:{nonce}"
const prefixConsumedIndex = "usedidx:"

// RedisLedger is a ledger shared by several venue processes through one Redis.
// SETNX gives the atomic check-and-mark without a local lock.
type RedisLedger struct {
	client  *redis.Client
	timeout time.Duration
	now     func() time.Time
}

// NewRedisLedger connects to redisURL (redis://[:password@]host:port/db) and pings it
func NewRedisLedger(ctx context.Context, redisURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return newRedisLedger(ctx, redis.NewClient(opts))
}

func newRedisLedger(ctx context.Context, client *redis.Client) (*RedisLedger, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLedger{client: client, timeout: 2 * time.Second, now: time.Now}, nil
}

func (l *RedisLedger) Close() error { return l.client.Close() }

func (l *RedisLedger) IsConsumed(key core.OrderKey) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	n, err := l.client.Exists(ctx, string(consumedKey(key))).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkConsumed(key core.OrderKey) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	data, err := encodeJSON(&ConsumedRecord{
		Maker:      key.Maker,
		Nonce:      key.NonceBig().String(),
		ConsumedAt: l.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal consumed record: %w", err)
	}

	k := string(consumedKey(key))
	var set *redis.BoolCmd
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.SetNX(ctx, k, data, 0)
		pipe.SAdd(ctx, consumedIndexKey(key.Maker), k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark consumed: %w", err)
	}
	if !set.Val() {
		return ledger.ErrAlreadyConsumed
	}
	return nil
}

// ConsumedBy lists every consumed nonce of maker in ascending nonce order
func (l *RedisLedger) ConsumedBy(maker common.Address) ([]*ConsumedRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	keys, err := l.client.SMembers(ctx, consumedIndexKey(maker)).Result()
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	type entry struct {
		nonce *big.Int
		rec   *ConsumedRecord
	}
	entries := make([]entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("consumed index references missing key %s", keys[i])
		}
		var rec ConsumedRecord
		if err := decodeJSON([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal consumed record: %w", err)
		}
		nonce, ok := new(big.Int).SetString(rec.Nonce, 10)
		if !ok {
			return nil, fmt.Errorf("invalid nonce %q in %s", rec.Nonce, keys[i])
		}
		entries = append(entries, entry{nonce, &rec})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].nonce.Cmp(entries[j].nonce) < 0 })

	records := make([]*ConsumedRecord, len(entries))
	for i, e := range entries {
		records[i] = e.rec
	}
	return records, nil
}

// LoadConsumed returns the record for key, nil if the key is unconsumed
func (l *RedisLedger) LoadConsumed(key core.OrderKey) (*ConsumedRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	data, err := l.client.Get(ctx, string(consumedKey(key))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec ConsumedRecord
	if err := decodeJSON(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumed record: %w", err)
	}
	return &rec, nil
}

func consumedIndexKey(maker common.Address) string {
	return prefixConsumedIndex + maker.Hex()
}

var _ ledger.Ledger = (*RedisLedger)(nil)
