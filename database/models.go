package database

import (
	"time"
)

// snapshotRecord is one row of the snapshot table. The full snapshot is
// kept as JSON in Data; the other columns exist for lookups.
type snapshotRecord struct {
	SagaID    string     `gorm:"column:saga_id;primaryKey;size:255"`
	Name      string     `gorm:"column:name;size:255;not null;index:idx_saga_snapshots_name"`
	Status    string     `gorm:"column:status;size:32;not null;index:idx_saga_snapshots_active,priority:1"`
	Tenant    string     `gorm:"column:tenant;size:255"`
	Data      string     `gorm:"column:data;type:text;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_saga_snapshots_active,priority:2"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index:idx_saga_snapshots_expires"`
}
