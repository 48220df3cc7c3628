// Package store persists the engine state that must survive restarts:
// watched policy lists, protected rooms and the applied-action ledger.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lessucettes/adresu-matrix/internal/config"
)

const (
	listPrefix   = "list:"
	roomPrefix   = "room:"
	actionPrefix = "action:"

	maxConflictRetries = 5
)

// BadgerStore keeps everything under prefixed keys in one BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to be used as a logger for BadgerDB.
type badgerLogger struct {
	*slog.Logger
}

func (l *badgerLogger) Warningf(f string, v ...any) { l.Warn(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Errorf(f string, v ...any)   { l.Error(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Infof(f string, v ...any)    {}
func (l *badgerLogger) Debugf(f string, v ...any)   {}

func open(opts badger.Options) (*BadgerStore, error) {
	opts.ValueThreshold = 1024
	opts.Logger = &badgerLogger{slog.Default()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func NewBadgerStore(cfg *config.DBConfig) (*BadgerStore, error) {
	return open(badger.DefaultOptions(cfg.Path))
}

// NewInMemoryStore is a BadgerStore without files, for tests and dry runs.
func NewInMemoryStore() (*BadgerStore, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) put(key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

func (s *BadgerStore) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan returns the values of every key under prefix, keyed by the rest
// of the key.
func (s *BadgerStore) scan(prefix string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key()[len(p):])] = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", prefix, err)
	}
	return out, nil
}

// SaveWatchedList remembers a watched list and the reference it was
// added with.
func (s *BadgerStore) SaveWatchedList(_ context.Context, roomID, ref string) error {
	slog.Debug("Saving watched list", "room_id", roomID, "ref", ref)
	return s.put(listPrefix+roomID, ref)
}

func (s *BadgerStore) DeleteWatchedList(_ context.Context, roomID string) error {
	slog.Debug("Forgetting watched list", "room_id", roomID)
	return s.delete(listPrefix + roomID)
}

// WatchedLists maps list room IDs to their original references.
func (s *BadgerStore) WatchedLists(_ context.Context) (map[string]string, error) {
	return s.scan(listPrefix)
}

func (s *BadgerStore) SaveProtectedRoom(_ context.Context, roomID string) error {
	return s.put(roomPrefix+roomID, time.Now().UTC().Format(time.RFC3339))
}

func (s *BadgerStore) DeleteProtectedRoom(_ context.Context, roomID string) error {
	return s.delete(roomPrefix + roomID)
}

func (s *BadgerStore) ProtectedRooms(_ context.Context) ([]string, error) {
	rooms, err := s.scan(roomPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out, nil
}

// Ledger records applied writes with a TTL so that a restart does not
// repeat them.
type Ledger struct {
	s   *BadgerStore
	ttl time.Duration
}

func (s *BadgerStore) Ledger(ttl time.Duration) *Ledger {
	return &Ledger{s: s, ttl: ttl}
}

// Claim records key and reports whether it was absent.
func (l *Ledger) Claim(ctx context.Context, key string) (bool, error) {
	k := []byte(actionPrefix + key)
	for range maxConflictRetries {
		claimed := false
		err := l.s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(k)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			claimed = true
			entry := badger.NewEntry(k, nil)
			if l.ttl > 0 {
				entry = entry.WithTTL(l.ttl)
			}
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim action %s: %w", key, err)
		}
		return claimed, nil
	}
	return false, fmt.Errorf("failed to claim action %s: %w", key, badger.ErrConflict)
}

func (l *Ledger) Release(_ context.Context, key string) error {
	if err := l.s.delete(actionPrefix + key); err != nil {
		return fmt.Errorf("failed to release action %s: %w", key, err)
	}
	return nil
}
