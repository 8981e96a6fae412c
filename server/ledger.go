package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// ErrNotRecorded indicates a session id absent from the ledger.
var ErrNotRecorded = errors.New("session not recorded in ledger")

var ledgerBucket = []byte("sessions")

// LedgerEntry is the durable record of one finished session.
type LedgerEntry struct {
	SessionID   string    `json:"session_id"`
	FileName    string    `json:"file_name"`
	FileSize    uint64    `json:"file_size"`
	Checksum    string    `json:"checksum"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ledger records terminal session verdicts in a bolt database. It
// survives restarts, so operators can audit what a server accepted
// after the in-memory registry is gone.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger opens (or creates) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger bucket: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenLedger",
		"path":     path,
	}).Debug("Session ledger opened")

	return &Ledger{db: db}, nil
}

// Record stores one entry, keyed by session id. Recording the same
// session twice overwrites the earlier entry.
func (l *Ledger) Record(entry LedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put([]byte(entry.SessionID), data)
	})
}

// Get returns the recorded entry for a session id.
func (l *Ledger) Get(id uuid.UUID) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ledgerBucket).Get([]byte(id.String()))
		if data == nil {
			return ErrNotRecorded
		}
		entry = &LedgerEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns every recorded entry.
func (l *Ledger) List() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).ForEach(func(_, data []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
