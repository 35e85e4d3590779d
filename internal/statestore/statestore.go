// Package statestore persists save states in a pebble database. It keeps
// numbered quick save slots and a bounded rewind history.
package statestore

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"golang.org/x/crypto/blake2b"
)

const (
	slotPrefix    = "slot/"
	historyPrefix = "history/"

	digestSize = blake2b.Size256
)

var (
	// ErrNotFound is returned for an empty slot or history.
	ErrNotFound = errors.New("save state not found")
	// ErrCorrupted is returned when a stored save state fails verification.
	ErrCorrupted = errors.New("save state corrupted")
)

// Options configures the store.
type Options struct {
	// HistorySize is the number of rewind snapshots to keep, 0 disables pruning.
	HistorySize int
	// FS overrides the file system, used for in memory stores.
	FS vfs.FS
}

// Store is a pebble backed save state store.
type Store struct {
	db          *pebble.DB
	historySize int
}

// Open opens or creates the store in the directory.
func Open(dir string, opts Options) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, fmt.Errorf("opening state store %s: %w", dir, err)
	}
	return &Store{
		db:          db,
		historySize: opts.HistorySize,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing state store: %w", err)
	}
	return nil
}

func slotKey(slot int) []byte {
	return fmt.Appendf(nil, "%s%04d", slotPrefix, slot)
}

func historyKey(frame uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", historyPrefix, frame)
}

// Put stores a save state in the slot, replacing the previous one.
func (s *Store) Put(slot int, data []byte) error {
	if err := s.db.Set(slotKey(slot), seal(data), pebble.Sync); err != nil {
		return fmt.Errorf("storing slot %d: %w", slot, err)
	}
	return nil
}

// Get returns the save state of the slot.
func (s *Store) Get(slot int) ([]byte, error) {
	data, err := s.get(slotKey(slot))
	if err != nil {
		return nil, fmt.Errorf("loading slot %d: %w", slot, err)
	}
	return data, nil
}

// Delete empties the slot.
func (s *Store) Delete(slot int) error {
	if err := s.db.Delete(slotKey(slot), pebble.Sync); err != nil {
		return fmt.Errorf("deleting slot %d: %w", slot, err)
	}
	return nil
}

// Slots returns the used slot numbers in ascending order.
func (s *Store) Slots() ([]int, error) {
	var slots []int
	err := s.scan(slotPrefix, func(key, _ []byte) error {
		var slot int
		if _, err := fmt.Sscanf(string(key), slotPrefix+"%d", &slot); err != nil {
			return fmt.Errorf("parsing slot key %q: %w", key, err)
		}
		slots = append(slots, slot)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// AppendHistory stores a rewind snapshot for the frame and prunes the
// oldest snapshots beyond the configured history size.
func (s *Store) AppendHistory(frame uint64, data []byte) error {
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()

	key := historyKey(frame)
	if err := batch.Set(key, seal(data), nil); err != nil {
		return fmt.Errorf("storing history frame %d: %w", frame, err)
	}

	if s.historySize > 0 {
		keys, err := s.historyKeys()
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(keys, func(k []byte) bool { return bytes.Equal(k, key) }) {
			keys = append(keys, key)
			slices.SortFunc(keys, bytes.Compare)
		}
		for len(keys) > s.historySize {
			if err := batch.Delete(keys[0], nil); err != nil {
				return fmt.Errorf("pruning history: %w", err)
			}
			keys = keys[1:]
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("committing history frame %d: %w", frame, err)
	}
	return nil
}

// HistoryLen returns the number of stored rewind snapshots.
func (s *Store) HistoryLen() (int, error) {
	keys, err := s.historyKeys()
	return len(keys), err
}

// LatestHistory returns the newest rewind snapshot and its frame.
func (s *Store) LatestHistory() (uint64, []byte, error) {
	keys, err := s.historyKeys()
	if err != nil {
		return 0, nil, err
	}
	if len(keys) == 0 {
		return 0, nil, ErrNotFound
	}

	key := keys[len(keys)-1]
	var frame uint64
	if _, err := fmt.Sscanf(string(key), historyPrefix+"%d", &frame); err != nil {
		return 0, nil, fmt.Errorf("parsing history key %q: %w", key, err)
	}
	data, err := s.get(key)
	if err != nil {
		return 0, nil, fmt.Errorf("loading history frame %d: %w", frame, err)
	}
	return frame, data, nil
}

func (s *Store) historyKeys() ([][]byte, error) {
	var keys [][]byte
	err := s.scan(historyPrefix, func(key, _ []byte) error {
		keys = append(keys, bytes.Clone(key))
		return nil
	})
	return keys, err
}

func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()

	return unseal(value)
}

func (s *Store) scan(prefix string, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("creating iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterating %s: %w", prefix, err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than all keys with the
// prefix. Prefixes end in '/' so incrementing the last byte suffices.
func prefixUpperBound(prefix string) []byte {
	bound := []byte(prefix)
	bound[len(bound)-1]++
	return bound
}

// seal prepends the blake2b digest of the data.
func seal(data []byte) []byte {
	digest := blake2b.Sum256(data)
	sealed := make([]byte, 0, digestSize+len(data))
	sealed = append(sealed, digest[:]...)
	return append(sealed, data...)
}

// unseal verifies the digest and returns a copy of the data.
func unseal(value []byte) ([]byte, error) {
	if len(value) < digestSize {
		return nil, fmt.Errorf("%w: record too short", ErrCorrupted)
	}
	data := value[digestSize:]
	digest := blake2b.Sum256(data)
	if !bytes.Equal(digest[:], value[:digestSize]) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
	}
	return bytes.Clone(data), nil
}
