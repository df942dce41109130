package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/saga"
)

// SnapshotStore is a saga.SnapshotStore on a relational database. Each saga
// is one row, upserted on every transition.
type SnapshotStore struct {
	db    *DB
	table string
}

// NewSnapshotStore creates a store on db using the given table. The table
// must exist; see Migrations.
func NewSnapshotStore(db *DB, table string) *SnapshotStore {
	if table == "" {
		table = "saga_snapshots"
	}
	return &SnapshotStore{db: db, table: table}
}

// query tags ctx with sagaID so the gorm logger can attribute the statement.
func (s *SnapshotStore) query(ctx context.Context, sagaID string) *gorm.DB {
	if id, _ := logger.SagaFromContext(ctx); id == "" && sagaID != "" {
		ctx = logger.ContextWithSaga(ctx, sagaID, "")
	}
	return s.db.WithContext(ctx).Table(s.table)
}

func notExpired(db *gorm.DB) *gorm.DB {
	return db.Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC())
}

// Save upserts the snapshot. TTL of 0 means no expiration.
func (s *SnapshotStore) Save(ctx context.Context, snap *saga.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot marshal %q: %w", snap.SagaID, err)
	}

	rec := snapshotRecord{
		SagaID:    snap.SagaID,
		Name:      snap.Name,
		Status:    string(snap.Status),
		Tenant:    snap.Tenant,
		Data:      string(data),
		CreatedAt: snap.CreatedAt.UTC(),
		UpdatedAt: snap.UpdatedAt.UTC(),
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		rec.ExpiresAt = &exp
	}

	err = s.query(ctx, snap.SagaID).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "saga_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "status", "tenant", "data", "updated_at", "expires_at"}),
	}).Create(&rec).Error
	if err != nil {
		return FromDatabase(err, snap.SagaID)
	}
	return nil
}

// Load returns the snapshot, or (nil, nil) if it doesn't exist or expired.
func (s *SnapshotStore) Load(ctx context.Context, sagaID string) (*saga.Snapshot, error) {
	var rec snapshotRecord
	err := notExpired(s.query(ctx, sagaID).Where("saga_id = ?", sagaID)).Take(&rec).Error
	if IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, FromDatabase(err, sagaID)
	}
	return decode(rec)
}

// ListActive returns RUNNING and COMPENSATING snapshots oldest first.
func (s *SnapshotStore) ListActive(ctx context.Context) ([]*saga.Snapshot, error) {
	var recs []snapshotRecord
	err := notExpired(s.query(ctx, "").
		Where("status IN ?", []string{string(saga.StatusRunning), string(saga.StatusCompensating)})).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, FromDatabase(err, "")
	}

	out := make([]*saga.Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete removes the snapshot.
func (s *SnapshotStore) Delete(ctx context.Context, sagaID string) error {
	if err := s.query(ctx, sagaID).Where("saga_id = ?", sagaID).Delete(&snapshotRecord{}).Error; err != nil {
		return FromDatabase(err, sagaID)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *SnapshotStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.query(ctx, "").
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).
		Delete(&snapshotRecord{})
	if res.Error != nil {
		return 0, FromDatabase(res.Error, "")
	}
	return res.RowsAffected, nil
}

func decode(rec snapshotRecord) (*saga.Snapshot, error) {
	var snap saga.Snapshot
	if err := json.Unmarshal([]byte(rec.Data), &snap); err != nil {
		return nil, fmt.Errorf("snapshot unmarshal %q: %w", rec.SagaID, err)
	}
	return &snap, nil
}

var _ saga.SnapshotStore = (*SnapshotStore)(nil)
