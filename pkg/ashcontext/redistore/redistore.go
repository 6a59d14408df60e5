// Package redistore backs the context store with Redis. Each context is
// a hash under ash:ctx:<id> with a PEXPIREAT matching the logical expiry.
// Consume runs a Lua script so the check-then-set is one atomic round
// trip; Redis's single-threaded execution is what enforces single use.
package redistore

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ash-protocol/ash/pkg/ashcontext"
)

const keyPrefix = "ash:ctx:"

// consumeScript returns "consumed", "already" or "missing". A present
// consumed_at field is a non-empty millisecond timestamp.
var consumeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'consumed_at')
if v == false then
  return 'missing'
end
if v ~= '' then
  return 'already'
end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp == nil or tonumber(ARGV[1]) > exp then
  return 'missing'
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
return 'consumed'
`)

type Store struct {
	Client *redis.Client
	now    func() time.Time
}

var _ ashcontext.Store = (*Store)(nil)

func New(client *redis.Client) *Store {
	return &Store{Client: client, now: time.Now}
}

// MustConnect builds a client from REDIS_URL or panics. Intended for
// service main functions.
func MustConnect() *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		panic(err)
	}
	return redis.NewClient(opt)
}

func (s *Store) Create(ctx context.Context, binding string, ttl time.Duration, mode ashcontext.Mode) (ashcontext.Context, error) {
	c, err := ashcontext.NewContext(binding, ttl, mode, s.now())
	if err != nil {
		return ashcontext.Context{}, err
	}
	key := keyPrefix + c.ID
	pipe := s.Client.TxPipeline()
	pipe.HSet(ctx, key,
		"binding", c.Binding,
		"mode", string(c.Mode),
		"issued_at", strconv.FormatInt(c.IssuedAt, 10),
		"expires_at", strconv.FormatInt(c.ExpiresAt, 10),
		"nonce", c.Nonce,
		"consumed_at", "",
	)
	// Keep the key one minute past logical expiry so a losing consume
	// racer still sees "already" rather than "missing".
	pipe.PExpireAt(ctx, key, time.UnixMilli(c.ExpiresAt).Add(time.Minute))
	if _, err := pipe.Exec(ctx); err != nil {
		return ashcontext.Context{}, err
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, id string) (*ashcontext.Context, error) {
	fields, err := s.Client.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, err
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, err
	}
	out := ashcontext.Context{
		ID:        id,
		Binding:   fields["binding"],
		Mode:      ashcontext.Mode(fields["mode"]),
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Nonce:     fields["nonce"],
	}
	if v := fields["consumed_at"]; v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		out.ConsumedAt = &ts
	}
	// The key may outlive logical expiry (grace window above).
	if out.Expired(s.now().UnixMilli()) {
		return nil, nil
	}
	return &out, nil
}

func (s *Store) Consume(ctx context.Context, id string, now int64) (ashcontext.ConsumeOutcome, error) {
	res, err := consumeScript.Run(ctx, s.Client, []string{keyPrefix + id}, now).Text()
	if err != nil {
		return ashcontext.Missing, err
	}
	switch res {
	case "consumed":
		return ashcontext.Consumed, nil
	case "already":
		return ashcontext.AlreadyConsumed, nil
	default:
		return ashcontext.Missing, nil
	}
}

// Cleanup is a no-op for Redis: key TTLs handle physical deletion.
func (s *Store) Cleanup(context.Context, int64) (int, error) {
	return 0, nil
}
