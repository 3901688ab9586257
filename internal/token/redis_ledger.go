package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"PerpEngine/internal/apperr"
)

const maxTxRetries = 16

// RedisLedger stores balances and allowances as decimal strings in Redis.
// Transfers use WATCH/MULTI so concurrent writers never lose updates.
type RedisLedger struct {
	rdb    *redis.Client
	symbol string
	prefix string
}

func NewRedisLedger(rdb *redis.Client, symbol string) *RedisLedger {
	return &RedisLedger{
		rdb:    rdb,
		symbol: symbol,
		prefix: "perp:token:" + symbol,
	}
}

func (l *RedisLedger) Symbol() string { return l.symbol }

func (l *RedisLedger) balanceKey(owner uuid.UUID) string {
	return fmt.Sprintf("%s:bal:%s", l.prefix, owner)
}

func (l *RedisLedger) allowanceKey(owner, spender uuid.UUID) string {
	return fmt.Sprintf("%s:allow:%s:%s", l.prefix, owner, spender)
}

func (l *RedisLedger) BalanceOf(ctx context.Context, owner uuid.UUID) (*uint256.Int, error) {
	return readUint(ctx, l.rdb, l.balanceKey(owner))
}

func (l *RedisLedger) Allowance(ctx context.Context, owner, spender uuid.UUID) (*uint256.Int, error) {
	return readUint(ctx, l.rdb, l.allowanceKey(owner, spender))
}

func (l *RedisLedger) Approve(ctx context.Context, owner, spender uuid.UUID, amount *uint256.Int) error {
	if err := l.rdb.Set(ctx, l.allowanceKey(owner, spender), amount.Dec(), 0).Err(); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}

func (l *RedisLedger) Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) error {
	key := l.balanceKey(to)
	return l.atomically(ctx, func(tx *redis.Tx) error {
		bal, err := readUint(ctx, tx, key)
		if err != nil {
			return err
		}
		sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
		if overflow {
			return apperr.New(apperr.KindInvalidArgument, "mint", "balance overflow")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, sum.Dec(), 0)
			return nil
		})
		return err
	}, key)
}

func (l *RedisLedger) Transfer(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) error {
	fromKey, toKey := l.balanceKey(from), l.balanceKey(to)
	return l.atomically(ctx, func(tx *redis.Tx) error {
		return l.move(ctx, tx, fromKey, toKey, amount, nil)
	}, fromKey, toKey)
}

func (l *RedisLedger) TransferFrom(ctx context.Context, spender, owner, to uuid.UUID, amount *uint256.Int) error {
	fromKey, toKey := l.balanceKey(owner), l.balanceKey(to)
	allowKey := l.allowanceKey(owner, spender)
	return l.atomically(ctx, func(tx *redis.Tx) error {
		allowed, err := readUint(ctx, tx, allowKey)
		if err != nil {
			return err
		}
		if allowed.Lt(amount) {
			return apperr.New(apperr.KindInsufficientAllowance, "transferFrom",
				"%s allows %s to spend less than %s", owner, spender, amount.Dec())
		}
		remaining := new(uint256.Int).Sub(allowed, amount)
		return l.move(ctx, tx, fromKey, toKey, amount, func(pipe redis.Pipeliner) {
			pipe.Set(ctx, allowKey, remaining.Dec(), 0)
		})
	}, fromKey, toKey, allowKey)
}

func (l *RedisLedger) move(ctx context.Context, tx *redis.Tx, fromKey, toKey string, amount *uint256.Int, extra func(redis.Pipeliner)) error {
	src, err := readUint(ctx, tx, fromKey)
	if err != nil {
		return err
	}
	if src.Lt(amount) {
		return apperr.New(apperr.KindInsufficientBalance, "transfer",
			"balance %s, needs %s", src.Dec(), amount.Dec())
	}
	newSrc := new(uint256.Int).Sub(src, amount)
	newDst := src
	if fromKey != toKey {
		dst, err := readUint(ctx, tx, toKey)
		if err != nil {
			return err
		}
		newDst = new(uint256.Int).Add(dst, amount)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fromKey, newSrc.Dec(), 0)
		pipe.Set(ctx, toKey, newDst.Dec(), 0)
		if extra != nil {
			extra(pipe)
		}
		return nil
	})
	return err
}

// atomically retries fn while a watched key changes underneath it.
func (l *RedisLedger) atomically(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := l.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("token %s: too much contention on %v", l.symbol, keys)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readUint(ctx context.Context, g getter, key string) (*uint256.Int, error) {
	s, err := g.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
