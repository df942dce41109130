package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/sagakit/saga"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript resets the expiry only if the lock still carries our token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is a saga.Locker built on SET NX PX. A held lease is renewed by
// the saga manager; one whose holder crashed expires after its TTL.
type Locker struct {
	client *Client
}

// NewLocker creates a Locker backed by the given client.
func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes <prefix>:lock:<sagaID>. It returns saga.ErrSagaLocked
// without waiting if another holder has it.
func (l *Locker) Acquire(ctx context.Context, sagaID string, ttl time.Duration) (saga.Lease, error) {
	key := l.client.Key("lock", sagaID)
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %q: %w", sagaID, err)
	}
	if !ok {
		return nil, saga.ErrSagaLocked
	}
	return &lease{client: l.client, sagaID: sagaID, key: key, token: token}, nil
}

type lease struct {
	client *Client
	sagaID string
	key    string
	token  string
	once   sync.Once
}

// Renew extends the key's expiry. A key that expired or changed hands
// yields saga.ErrLeaseLost.
func (ls *lease) Renew(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	n, err := renewScript.Run(ctx, ls.client.rdb, []string{ls.key}, ls.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis renew %q: %w", ls.sagaID, err)
	}
	if n == 0 {
		return saga.ErrLeaseLost
	}
	return nil
}

func (ls *lease) Release() {
	ls.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, ls.client.rdb, []string{ls.key}, ls.token).Err(); err != nil {
			ls.client.log.Warn("failed to release saga lock", map[string]interface{}{
				"saga_id": ls.sagaID,
				"error":   err.Error(),
			})
		}
	})
}

var _ saga.Locker = (*Locker)(nil)
