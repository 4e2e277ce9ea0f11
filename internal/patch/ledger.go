package patch

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/BegaDeveloper/proofsh/internal/session"
)

var (
	patchesBucket = []byte("patches")
	indexBucket   = []byte("patch_index")
)

const LedgerFileName = "ledger.db"

// Record is the audit entry for one proposed patch.
type Record struct {
	Run         string              `json:"run"`
	ID          int                 `json:"id"`
	StoragePath string              `json:"storage_path"`
	Status      session.PatchStatus `json:"status"`
	Files       []string            `json:"files,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// LedgerTimeout bounds the wait for another process's transaction on the ledger file.
const LedgerTimeout = 5 * time.Second

// Ledger persists patch records in insertion order across runs sharing a run root. The
// bolt file is opened per transaction so several proofsh processes can share it.
type Ledger struct {
	path string
}

func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory failed: %w", err)
	}
	ledger := &Ledger{path: path}
	if err := ledger.update(func(tx *bolt.Tx) error {
		if _, createErr := tx.CreateBucketIfNotExists(patchesBucket); createErr != nil {
			return createErr
		}
		_, createIndexErr := tx.CreateBucketIfNotExists(indexBucket)
		return createIndexErr
	}); err != nil {
		return nil, err
	}
	return ledger, nil
}

func (ledger *Ledger) update(fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(ledger.path, 0o600, &bolt.Options{Timeout: LedgerTimeout})
	if err != nil {
		return fmt.Errorf("open patch ledger: %w", err)
	}
	updateError := db.Update(fn)
	return errors.Join(updateError, db.Close())
}

// view opens the file read-only, which takes a shared lock.
func (ledger *Ledger) view(fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(ledger.path, 0o600, &bolt.Options{Timeout: LedgerTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open patch ledger: %w", err)
	}
	viewError := db.View(fn)
	return errors.Join(viewError, db.Close())
}

// Save inserts record or replaces the existing entry for the same run and id in place.
func (ledger *Ledger) Save(record Record) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	return ledger.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(patchesBucket)
		index := tx.Bucket(indexBucket)
		indexKey := recordKey(record.Run, record.ID)
		key := index.Get(indexKey)
		if key == nil {
			sequence, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			key = sequenceKey(sequence)
			if err := index.Put(indexKey, key); err != nil {
				return err
			}
		} else {
			key = append([]byte(nil), key...)
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put(key, payload)
	})
}

// Get returns nil when no record exists for run and id.
func (ledger *Ledger) Get(run string, id int) (*Record, error) {
	var record *Record
	err := ledger.view(func(tx *bolt.Tx) error {
		key := tx.Bucket(indexBucket).Get(recordKey(run, id))
		if key == nil {
			return nil
		}
		raw := tx.Bucket(patchesBucket).Get(key)
		if raw == nil {
			return nil
		}
		parsed := Record{}
		if decodeErr := json.Unmarshal(raw, &parsed); decodeErr != nil {
			return decodeErr
		}
		record = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// List returns up to limit records, newest first.
func (ledger *Ledger) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	result := make([]Record, 0, limit)
	err := ledger.view(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(patchesBucket).Cursor()
		for key, value := cursor.Last(); key != nil && len(result) < limit; key, value = cursor.Prev() {
			record := Record{}
			if decodeErr := json.Unmarshal(value, &record); decodeErr != nil {
				continue
			}
			result = append(result, record)
		}
		return nil
	})
	return result, err
}

// LatestRun names the run of the most recently inserted record, or "" for an empty ledger.
func (ledger *Ledger) LatestRun() (string, error) {
	records, err := ledger.List(1)
	if err != nil || len(records) == 0 {
		return "", err
	}
	return records[0].Run, nil
}

func recordKey(run string, id int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", run, id))
}

func sequenceKey(sequence uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequence)
	return key
}
