package crypto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"
)

var (
	bucketWatching = []byte("watching")
	bucketEmitted  = []byte("emitted")
)

// Watch is a transaction the watcher polls until it is deep enough. Address
// is the deposit address issued to the investment; only value paid to it
// counts.
type Watch struct {
	InvestmentID uuid.UUID `json:"investmentId"`
	Asset        string    `json:"asset"`
	Address      string    `json:"address"`
	TxHash       string    `json:"txHash"`
	AddedAt      time.Time `json:"addedAt"`
}

func (w Watch) key() []byte {
	hash := txKey(w.TxHash)
	if len(hash) == 0 || w.InvestmentID == uuid.Nil {
		return nil
	}
	return append(append(hash, '/'), w.InvestmentID.String()...)
}

// Store persists watched transactions and the (hash, investment) pairs
// already emitted so a restart neither loses a deposit nor re-emits one.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) the watcher database.
func OpenStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("crypto: store path required")
	}
	db, err := bbolt.Open(trimmed, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWatching); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketEmitted); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add starts watching w. Watches are keyed by hash and investment, so two
// investments naming the same hash are tracked independently. It reports
// false when the pair is already watched or was emitted before.
func (s *Store) Add(w Watch) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("crypto: store not initialised")
	}
	key := w.key()
	if key == nil {
		return false, fmt.Errorf("crypto: tx hash and investment required")
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return false, err
	}
	added := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketEmitted).Get(key) != nil {
			return nil
		}
		watching := tx.Bucket(bucketWatching)
		if watching.Get(key) != nil {
			return nil
		}
		added = true
		return watching.Put(key, payload)
	})
	return added, err
}

// Pending lists every watched transaction.
func (s *Store) Pending() ([]Watch, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("crypto: store not initialised")
	}
	var out []Watch
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWatching).ForEach(func(_, v []byte) error {
			var w Watch
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
	})
	return out, err
}

// MarkEmitted moves w from watching to emitted.
func (s *Store) MarkEmitted(w Watch) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("crypto: store not initialised")
	}
	key := w.key()
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketWatching).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketEmitted).Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// Drop stops watching w without emitting it.
func (s *Store) Drop(w Watch) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("crypto: store not initialised")
	}
	key := w.key()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWatching).Delete(key)
	})
}

func txKey(hash string) []byte {
	trimmed := strings.ToLower(strings.TrimSpace(hash))
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if trimmed == "" {
		return nil
	}
	return []byte(trimmed)
}
