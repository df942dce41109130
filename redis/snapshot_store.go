package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/sagakit/saga"
)

// SnapshotStore keeps saga snapshots as JSON strings under
// <prefix>:snapshot:<id>. Non-terminal sagas are indexed in the sorted set
// <prefix>:active, scored by creation time, so recovery can list them.
type SnapshotStore struct {
	client *Client
}

// NewSnapshotStore creates a SnapshotStore backed by the given client.
func NewSnapshotStore(client *Client) *SnapshotStore {
	return &SnapshotStore{client: client}
}

func (s *SnapshotStore) snapshotKey(sagaID string) string {
	return s.client.Key("snapshot", sagaID)
}

func (s *SnapshotStore) activeKey() string {
	return s.client.Key("active")
}

// Save writes the snapshot and updates the active index in one transaction.
// TTL of 0 means no expiration.
func (s *SnapshotStore) Save(ctx context.Context, snap *saga.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot marshal %q: %w", snap.SagaID, err)
	}

	_, err = s.client.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(snap.SagaID), data, ttl)
		if snap.Status.IsTerminal() {
			pipe.ZRem(ctx, s.activeKey(), snap.SagaID)
		} else {
			pipe.ZAdd(ctx, s.activeKey(), goredis.Z{
				Score:  float64(snap.CreatedAt.UnixNano()),
				Member: snap.SagaID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot save %q: %w", snap.SagaID, err)
	}
	return nil
}

// Load returns the snapshot, or (nil, nil) if it doesn't exist.
func (s *SnapshotStore) Load(ctx context.Context, sagaID string) (*saga.Snapshot, error) {
	raw, err := s.client.rdb.Get(ctx, s.snapshotKey(sagaID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot load %q: %w", sagaID, err)
	}

	var snap saga.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("snapshot unmarshal %q: %w", sagaID, err)
	}
	return &snap, nil
}

// ListActive returns non-terminal snapshots oldest first. Index entries
// whose snapshot has expired are pruned.
func (s *SnapshotStore) ListActive(ctx context.Context) ([]*saga.Snapshot, error) {
	ids, err := s.client.rdb.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot list active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.snapshotKey(id)
	}
	values, err := s.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot list active: %w", err)
	}

	var (
		out   []*saga.Snapshot
		stale []interface{}
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snap saga.Snapshot
		if err := json.Unmarshal([]byte(str), &snap); err != nil {
			return nil, fmt.Errorf("snapshot unmarshal %q: %w", ids[i], err)
		}
		if snap.Status.IsTerminal() {
			continue
		}
		out = append(out, &snap)
	}

	if len(stale) > 0 {
		if err := s.client.rdb.ZRem(ctx, s.activeKey(), stale...).Err(); err != nil {
			s.client.log.Warn("failed to prune active index", map[string]interface{}{"error": err.Error()})
		}
	}
	return out, nil
}

// ActiveCount returns the size of the active index. It may include entries
// whose snapshot expired and that ListActive has not pruned yet.
func (s *SnapshotStore) ActiveCount(ctx context.Context) (int64, error) {
	n, err := s.client.rdb.ZCard(ctx, s.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("snapshot active count: %w", err)
	}
	return n, nil
}

// Delete removes the snapshot and its index entry.
func (s *SnapshotStore) Delete(ctx context.Context, sagaID string) error {
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.snapshotKey(sagaID))
		pipe.ZRem(ctx, s.activeKey(), sagaID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("snapshot delete %q: %w", sagaID, err)
	}
	return nil
}

var _ saga.SnapshotStore = (*SnapshotStore)(nil)
