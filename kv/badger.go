// ABOUTME: Embedded BadgerDB backend for the version store
// ABOUTME: Keys documents, mutations, and snapshots by zero-padded version for ordered scans
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/badger/v3"

	"github.com/harperreed/whiteboard/models"
)

const (
	docPrefix  = "doc/"
	mutPrefix  = "mut/"
	snapPrefix = "snap/"
	headPrefix = "head/"
)

// Store persists whiteboards in a BadgerDB directory. It implements
// store.Backend.
type Store struct {
	db *badger.DB
}

// Option adjusts the badger options before the database opens.
type Option func(badger.Options) badger.Options

// WithLogger routes badger's internal logging through logger.
func WithLogger(logger *log.Logger) Option {
	return func(o badger.Options) badger.Options {
		if logger == nil {
			return o.WithLogger(nil)
		}
		return o.WithLogger(badgerLogger{logger.With("component", "badger")})
	}
}

// Open opens (or creates) a database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions(dir).WithLogger(nil), opts)
}

// OpenInMemory opens a database that lives only as long as the process.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), opts)
}

func open(o badger.Options, opts []Option) (*Store, error) {
	for _, opt := range opts {
		o = opt(o)
	}
	db, err := badger.Open(o)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func docKey(id string) []byte { return []byte(docPrefix + id) }

func headKey(id string) []byte { return []byte(headPrefix + id) }

func mutKey(id string, version int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", mutPrefix, id, version))
}

func snapKey(id string, version int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", snapPrefix, id, version))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func readHead(txn *badger.Txn, id string) (int64, error) {
	item, err := txn.Get(headKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, models.ErrDocumentNotFound
	}
	if err != nil {
		return 0, err
	}
	var head int64
	err = item.Value(func(val []byte) error {
		head, err = strconv.ParseInt(string(val), 10, 64)
		return err
	})
	return head, err
}

func writeHead(txn *badger.Txn, id string, version int64) error {
	return txn.Set(headKey(id), []byte(strconv.FormatInt(version, 10)))
}

// update runs fn in a read-write transaction. A commit that lost a race with
// another writer surfaces as a version conflict.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent commit", models.ErrVersionConflict)
	}
	return err
}

// CreateDocument writes the lifecycle record, first mutation, snapshot and
// head pointer in one transaction.
func (s *Store) CreateDocument(_ context.Context, info models.DocumentInfo, genesis models.Mutation, snap models.Snapshot) error {
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(info.ID))
		if err == nil {
			return models.ErrDocumentExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, docKey(info.ID), info); err != nil {
			return err
		}
		if err := setJSON(txn, mutKey(info.ID, genesis.Version), genesis); err != nil {
			return err
		}
		if err := setJSON(txn, snapKey(info.ID, snap.Version), snap); err != nil {
			return err
		}
		return writeHead(txn, info.ID, genesis.Version)
	})
}

// GetDocument returns the lifecycle record for id.
func (s *Store) GetDocument(_ context.Context, id string) (*models.DocumentInfo, error) {
	var info models.DocumentInfo
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, docKey(id), &info)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListDocuments returns every document, oldest first.
func (s *Store) ListDocuments(_ context.Context) ([]models.DocumentInfo, error) {
	infos := make([]models.DocumentInfo, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(docPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info models.DocumentInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}

// FreezeDocument records info.FrozenAt unless the document is already frozen.
func (s *Store) FreezeDocument(_ context.Context, info models.DocumentInfo) error {
	if info.FrozenAt == nil {
		return fmt.Errorf("freeze %s: missing frozen_at", info.ID)
	}
	return s.update(func(txn *badger.Txn) error {
		var stored models.DocumentInfo
		err := getJSON(txn, docKey(info.ID), &stored)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return models.ErrDocumentNotFound
		}
		if err != nil {
			return err
		}
		if stored.Frozen() {
			return nil
		}
		stored.FrozenAt = info.FrozenAt
		return setJSON(txn, docKey(info.ID), stored)
	})
}

// AppendMutation stores m when it directly follows the head version. Reading
// the document record puts it in the read set, so a concurrent freeze
// conflicts with the append.
func (s *Store) AppendMutation(_ context.Context, m models.Mutation) error {
	return s.update(func(txn *badger.Txn) error {
		var info models.DocumentInfo
		err := getJSON(txn, docKey(m.DocumentID), &info)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return models.ErrDocumentNotFound
		}
		if err != nil {
			return err
		}
		if info.Frozen() {
			return models.ErrDocumentFrozen
		}

		head, err := readHead(txn, m.DocumentID)
		if err != nil {
			return err
		}
		if m.Version != head+1 {
			return fmt.Errorf("%w: stored version is %d, got %d", models.ErrVersionConflict, head, m.Version)
		}
		if err := setJSON(txn, mutKey(m.DocumentID, m.Version), m); err != nil {
			return err
		}
		return writeHead(txn, m.DocumentID, m.Version)
	})
}

// LatestVersion returns the head version of id.
func (s *Store) LatestVersion(_ context.Context, id string) (int64, error) {
	var head int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readHead(txn, id)
		return err
	})
	return head, err
}

// Mutations returns records with from <= version <= to in version order.
func (s *Store) Mutations(_ context.Context, id string, from, to int64) ([]models.Mutation, error) {
	records := make([]models.Mutation, 0)
	if from < 1 {
		from = 1
	}
	if to < from {
		return records, nil
	}

	end := mutKey(id, to)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(mutPrefix + id + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(mutKey(id, from)); it.Valid(); it.Next() {
			item := it.Item()
			if string(item.Key()) > string(end) {
				break
			}
			var m models.Mutation
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			records = append(records, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetMutation returns the record at exactly version, or nil if absent.
func (s *Store) GetMutation(_ context.Context, id string, version int64) (*models.Mutation, error) {
	var m models.Mutation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, mutKey(id, version), &m)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveSnapshot stores snap, replacing any snapshot at the same version.
func (s *Store) SaveSnapshot(_ context.Context, snap models.Snapshot) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, snapKey(snap.DocumentID, snap.Version), snap)
	})
}

// NearestSnapshot returns the snapshot with the greatest version <= version.
func (s *Store) NearestSnapshot(_ context.Context, id string, version int64) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(snapPrefix + id + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(snapKey(id, version))
		if !it.Valid() {
			return nil
		}
		var found models.Snapshot
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &found)
		}); err != nil {
			return err
		}
		snap = &found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SnapshotVersions lists retained snapshot versions in ascending order.
func (s *Store) SnapshotVersions(_ context.Context, id string) ([]int64, error) {
	keys, err := s.keys([]byte(snapPrefix + id + "/"))
	if err != nil {
		return nil, err
	}
	versions := make([]int64, 0, len(keys))
	for _, k := range keys {
		v, err := versionOf(k)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Compact deletes records at or below horizon and snapshots strictly between
// the creation snapshot and horizon.
func (s *Store) Compact(_ context.Context, id string, horizon int64) error {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(snapKey(id, horizon))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("compact %s: no snapshot at horizon %d", id, horizon)
	}
	if err != nil {
		return err
	}

	var doomed [][]byte
	mutKeys, err := s.keys([]byte(mutPrefix + id + "/"))
	if err != nil {
		return err
	}
	for _, k := range mutKeys {
		if v, err := versionOf(k); err == nil && v <= horizon {
			doomed = append(doomed, k)
		}
	}
	snapKeys, err := s.keys([]byte(snapPrefix + id + "/"))
	if err != nil {
		return err
	}
	for _, k := range snapKeys {
		if v, err := versionOf(k); err == nil && v > 1 && v < horizon {
			doomed = append(doomed, k)
		}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) keys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func versionOf(key []byte) (int64, error) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return strconv.ParseInt(string(key[i+1:]), 10, 64)
		}
	}
	return 0, fmt.Errorf("malformed key %q", key)
}

// badgerLogger adapts a charm logger to badger.Logger.
type badgerLogger struct {
	*log.Logger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
