package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/bastille-sh/bastille/pkg/types"
)

var (
	// Bucket names
	bucketSnapshots  = []byte("snapshots")
	bucketMigrations = []byte("migrations")
)

// Store persists observed-state snapshots and migration records in
// BoltDB. The reconciler is the single writer of snapshots; the
// migration orchestrator is the single writer of migration records.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the state database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "bastille.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketMigrations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot persists the observed-state snapshot for a host,
// replacing any previous snapshot.
func (s *Store) SaveSnapshot(snap *types.HostSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(snap.HostID), data)
	})
}

// GetSnapshot returns a host's last snapshot, or nil if the host has
// never completed a pass.
func (s *Store) GetSnapshot(hostID string) (*types.HostSnapshot, error) {
	var snap *types.HostSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(hostID))
		if data == nil {
			return nil
		}
		snap = &types.HostSnapshot{}
		return json.Unmarshal(data, snap)
	})
	return snap, err
}

// ListSnapshots returns all host snapshots.
func (s *Store) ListSnapshots() ([]*types.HostSnapshot, error) {
	var snaps []*types.HostSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var snap types.HostSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
			return nil
		})
	})
	return snaps, err
}

// SaveMigration persists a migration record (upsert by ID).
func (s *Store) SaveMigration(record *types.MigrationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	})
}

// GetMigration returns a migration record by ID.
func (s *Store) GetMigration(id string) (*types.MigrationRecord, error) {
	var record types.MigrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("migration not found: %s", id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListMigrations returns all migration records.
func (s *Store) ListMigrations() ([]*types.MigrationRecord, error) {
	var records []*types.MigrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.ForEach(func(k, v []byte) error {
			var record types.MigrationRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}
