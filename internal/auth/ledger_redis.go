package auth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// debitScript decrements the balance only when it covers the amount.
// Returns the new balance, or -1 when the balance is too low.
var debitScript = redis.NewScript(`
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if balance < amount then
	return -1
end
return redis.call("DECRBY", KEYS[1], amount)
`)

// RedisLedger stores balances as integers under credits:<userID>
type RedisLedger struct {
	redis *redis.Client
}

func NewRedisLedger(redisClient *redis.Client) *RedisLedger {
	return &RedisLedger{redis: redisClient}
}

func creditsKey(userID string) string {
	return "credits:" + userID
}

func (l *RedisLedger) Debit(ctx context.Context, userID string, amount int) error {
	remaining, err := debitScript.Run(ctx, l.redis, []string{creditsKey(userID)}, amount).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if remaining < 0 {
		return fmt.Errorf("%w: Failed to deduct credits (Insufficient funds)", ErrInsufficientBalance)
	}
	return nil
}
