// Package badger stores saga snapshots in an embedded BadgerDB, for
// single-node deployments that need durability without an external server.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/kbukum/sagakit/component"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/saga"
)

const (
	snapshotPrefix = "snapshot/"
	activePrefix   = "active/"
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string `yaml:"path" mapstructure:"path" validate:"required_unless=InMemory true"`
	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool `yaml:"in_memory" mapstructure:"in_memory"`
	// SyncWrites fsyncs every write.
	SyncWrites bool `yaml:"sync_writes" mapstructure:"sync_writes"`
	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration `yaml:"gc_interval" mapstructure:"gc_interval"`
	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" mapstructure:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns production defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger routes BadgerDB's internal logging to our logger.
type badgerLogger struct {
	log *logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Store is a saga.SnapshotStore on BadgerDB. Snapshots live under
// snapshot/<id>; non-terminal sagas also have an empty marker under
// active/<id>.
type Store struct {
	db  *badgerdb.DB
	cfg Config
	log *logger.Logger

	mu     sync.Mutex
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the database described by cfg.
func Open(cfg Config, log *logger.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent database")
	}
	if log == nil {
		log = logger.Get("badger")
	}

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: log})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	log.Info("Badger snapshot store opened", logger.Fields("path", cfg.Path, "in_memory", cfg.InMemory))
	return &Store{db: db, cfg: cfg, log: log}, nil
}

// Save writes the snapshot and its active marker in one transaction.
// TTL of 0 means no expiration.
func (s *Store) Save(_ context.Context, snap *saga.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot marshal %q: %w", snap.SagaID, err)
	}

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		e := badgerdb.NewEntry([]byte(snapshotPrefix+snap.SagaID), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		marker := []byte(activePrefix + snap.SagaID)
		if snap.Status.IsTerminal() {
			return txn.Delete(marker)
		}
		return txn.Set(marker, nil)
	})
	if err != nil {
		return fmt.Errorf("snapshot save %q: %w", snap.SagaID, err)
	}
	return nil
}

// Load returns the snapshot, or (nil, nil) if it doesn't exist.
func (s *Store) Load(_ context.Context, sagaID string) (*saga.Snapshot, error) {
	var snap *saga.Snapshot
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		snap, err = getSnapshot(txn, sagaID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot load %q: %w", sagaID, err)
	}
	return snap, nil
}

func getSnapshot(txn *badgerdb.Txn, sagaID string) (*saga.Snapshot, error) {
	item, err := txn.Get([]byte(snapshotPrefix + sagaID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap saga.Snapshot
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	}); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListActive returns non-terminal snapshots oldest first. Markers whose
// snapshot has expired are removed.
func (s *Store) ListActive(ctx context.Context) ([]*saga.Snapshot, error) {
	var (
		out   []*saga.Snapshot
		stale []string
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(activePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := strings.TrimPrefix(string(it.Item().Key()), activePrefix)
			snap, err := getSnapshot(txn, id)
			if err != nil {
				return err
			}
			if snap == nil {
				stale = append(stale, id)
				continue
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot list active: %w", err)
	}

	if len(stale) > 0 {
		if err := s.db.Update(func(txn *badgerdb.Txn) error {
			for _, id := range stale {
				if err := txn.Delete([]byte(activePrefix + id)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			s.log.Warn("failed to prune active markers", logger.Fields(logger.FieldError, err.Error()))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the snapshot and its marker.
func (s *Store) Delete(_ context.Context, sagaID string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete([]byte(snapshotPrefix + sagaID)); err != nil {
			return err
		}
		return txn.Delete([]byte(activePrefix + sagaID))
	})
	if err != nil {
		return fmt.Errorf("snapshot delete %q: %w", sagaID, err)
	}
	return nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.stopGCLoop()
	return s.db.Close()
}

// --- component.Component ---

// Name returns the component name.
func (s *Store) Name() string { return "badger" }

// Start launches periodic value log GC when configured.
func (s *Store) Start(_ context.Context) error {
	if s.cfg.GCInterval <= 0 || s.cfg.InMemory {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopGC != nil {
		return nil
	}
	s.stopGC = make(chan struct{})
	s.gcDone = make(chan struct{})
	go s.gcLoop(s.stopGC, s.gcDone)
	return nil
}

// Stop closes the database.
func (s *Store) Stop(_ context.Context) error {
	return s.Close()
}

// Health reports unhealthy once the database is closed.
func (s *Store) Health(_ context.Context) component.Health {
	if s.db.IsClosed() {
		return component.Health{Name: s.Name(), Status: component.StatusUnhealthy, Message: "database closed"}
	}
	return component.Health{Name: s.Name(), Status: component.StatusHealthy}
}

func (s *Store) gcLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				s.log.Warn("badger value log GC failed", logger.Fields(logger.FieldError, err.Error()))
			}
		}
	}
}

func (s *Store) stopGCLoop() {
	s.mu.Lock()
	stop, done := s.stopGC, s.gcDone
	s.stopGC, s.gcDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

var (
	_ saga.SnapshotStore  = (*Store)(nil)
	_ component.Component = (*Store)(nil)
)
