package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	unmatchedKeyPrefix = "unmatched:"
	indexKeyPrefix     = "wire:"
)

// ErrWireNotFound is returned for wire ids that are not in the journal.
var ErrWireNotFound = errors.New("bank: wire not in journal")

// Journal keeps wires that could not be matched to an investment until an
// operator assigns them.
type Journal struct {
	db *leveldb.DB
}

// OpenJournal opens (or creates) a LevelDB journal at path.
func OpenJournal(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("bank: journal path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve journal path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open wire journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores an unmatched wire. It reports false when the wire was
// already journaled.
func (j *Journal) Record(n Notification) (bool, error) {
	if j == nil || j.db == nil {
		return false, fmt.Errorf("bank: journal not configured")
	}
	wireID := strings.TrimSpace(n.WireID)
	if wireID == "" {
		return false, fmt.Errorf("bank: wire id required")
	}
	indexKey := []byte(indexKeyPrefix + wireID)
	_, err := j.db.Get(indexKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load wire: %w", err)
	default:
		return false, nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return false, err
	}
	entryKey := unmatchedKey(n)
	batch := new(leveldb.Batch)
	batch.Put(indexKey, entryKey)
	batch.Put(entryKey, payload)
	if err := j.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record wire: %w", err)
	}
	return true, nil
}

// Get returns one journaled wire.
func (j *Journal) Get(wireID string) (Notification, error) {
	if j == nil || j.db == nil {
		return Notification{}, fmt.Errorf("bank: journal not configured")
	}
	entryKey, err := j.db.Get([]byte(indexKeyPrefix+strings.TrimSpace(wireID)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Notification{}, ErrWireNotFound
	}
	if err != nil {
		return Notification{}, err
	}
	raw, err := j.db.Get(entryKey, nil)
	if err != nil {
		return Notification{}, fmt.Errorf("load wire: %w", err)
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// List returns journaled wires, oldest first.
func (j *Journal) List(ctx context.Context) ([]Notification, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("bank: journal not configured")
	}
	iter := j.db.NewIterator(util.BytesPrefix([]byte(unmatchedKeyPrefix)), nil)
	defer iter.Release()

	out := make([]Notification, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var n Notification
		if err := json.Unmarshal(iter.Value(), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate wires: %w", err)
	}
	return out, nil
}

// Remove deletes a wire from the journal.
func (j *Journal) Remove(wireID string) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("bank: journal not configured")
	}
	indexKey := []byte(indexKeyPrefix + strings.TrimSpace(wireID))
	entryKey, err := j.db.Get(indexKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrWireNotFound
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(indexKey)
	batch.Delete(entryKey)
	return j.db.Write(batch, nil)
}

func unmatchedKey(n Notification) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", unmatchedKeyPrefix, n.ReceivedAt.UTC().UnixNano(), strings.TrimSpace(n.WireID)))
}
