// Package storage persists run state: one snapshot blob per run plus its
// sequence of per-step report fragments.
package storage

import (
	"fmt"
	"strconv"

	"github.com/tidwall/buntdb"
)

const (
	snapshotPrefix = "snapshot:"
	stepPrefix     = "step:"
	stepSeqPrefix  = "stepseq:"
)

// RunStore implements snapshot and step-report persistence over BuntDB.
// Snapshots are overwritten atomically; step reports are append-only.
type RunStore struct {
	db *buntdb.DB
}

// Config holds BuntDB tuning options.
type Config struct {
	// SyncPolicy determines how often data is synchronized to disk
	SyncPolicy buntdb.SyncPolicy
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{SyncPolicy: buntdb.EverySecond}
}

// NewFromMemory creates an in-memory store, for tests and throwaway runs.
func NewFromMemory() (*RunStore, error) {
	return NewRunStore(":memory:", Config{SyncPolicy: buntdb.Never})
}

// NewFromFile creates a file-backed store.
func NewFromFile(file string) (*RunStore, error) {
	return NewRunStore(file, DefaultConfig())
}

// NewRunStore opens the database with the given configuration.
func NewRunStore(sourceFile string, config Config) (*RunStore, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{SyncPolicy: config.SyncPolicy}); err != nil {
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	return &RunStore{db: db}, nil
}

// SaveSnapshot overwrites the run's snapshot blob in one transaction. There
// is never a partially written snapshot.
func (s *RunStore) SaveSnapshot(runID string, blob []byte) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(snapshotPrefix+runID, string(blob), nil)
		return err
	})
}

// LoadSnapshot returns the run's snapshot blob, or false when none exists.
func (s *RunStore) LoadSnapshot(runID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(snapshotPrefix + runID)
		if err != nil {
			return err
		}
		blob = []byte(value)
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return blob, true, nil
}

// AppendStepReport appends one report fragment under the run's sequence.
func (s *RunStore) AppendStepReport(runID string, blob []byte) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		seqKey := stepSeqPrefix + runID
		seq := 0
		if value, err := tx.Get(seqKey); err == nil {
			if seq, err = strconv.Atoi(value); err != nil {
				return fmt.Errorf("corrupt step sequence for %s: %w", runID, err)
			}
		}
		seq++

		if _, _, err := tx.Set(seqKey, strconv.Itoa(seq), nil); err != nil {
			return err
		}
		key := fmt.Sprintf("%s%s:%08d", stepPrefix, runID, seq)
		_, _, err := tx.Set(key, string(blob), nil)
		return err
	})
}

// StepReports returns the run's report fragments in append order.
func (s *RunStore) StepReports(runID string) ([][]byte, error) {
	var reports [][]byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		pattern := stepPrefix + runID + ":*"
		return tx.AscendKeys(pattern, func(key, value string) bool {
			reports = append(reports, []byte(value))
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read step reports: %w", err)
	}
	return reports, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
